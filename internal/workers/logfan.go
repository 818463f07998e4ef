package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/strftime"
)

// Publisher receives formatted log events for outbound fan-out. The MQTT
// exporter implements it; a nil publisher disables the leg.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Debug-string category tags. Nodes prefix structured debug strings with a
// single type byte; untagged strings are classified by content.
const (
	tagEvent     = 1
	tagInference = 2
	tagHeap      = 3
)

// LogFanout turns debugstr events into human-readable log lines under
// data/display/<date>.txt, mirrors them to the structured log and
// republishes them when a Publisher is attached.
type LogFanout struct {
	queue   *Queue
	dataDir string
	logger  *slog.Logger
	pub     Publisher
	datePat *strftime.Strftime
}

// NewLogFanout creates the fan-out worker. pub may be nil.
func NewLogFanout(queue *Queue, dataDir string, pub Publisher, logger *slog.Logger) (*LogFanout, error) {
	if logger == nil {
		logger = slog.Default()
	}
	datePat, err := strftime.New("%Y-%m-%d")
	if err != nil {
		return nil, fmt.Errorf("workers: date pattern: %w", err)
	}
	return &LogFanout{
		queue:   queue,
		dataDir: dataDir,
		logger:  logger.With(slog.String("worker", "logfan")),
		pub:     pub,
		datePat: datePat,
	}, nil
}

// Run consumes the queue until it is closed and drained.
func (l *LogFanout) Run(ctx context.Context) error {
	l.logger.Info("log fan-out started")
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case item, ok := <-l.queue.Items():
					if !ok {
						return ctx.Err()
					}
					l.handle(item)
				default:
					return ctx.Err()
				}
			}
		case item, ok := <-l.queue.Items():
			if !ok {
				l.logger.Info("log fan-out drained")
				return nil
			}
			l.handle(item)
		}
	}
}

func (l *LogFanout) handle(item Item) {
	category, text := classify(item.Payload)
	line := fmt.Sprintf("%s %s %s %s",
		item.ReceivedAt.Format("15:04:05"), category, item.Addr, text)

	l.logger.Info("node event",
		slog.String("category", category),
		slog.String("addr", item.Addr),
		slog.String("text", text))

	if err := l.append(item, line); err != nil {
		l.logger.Error("display log append failed", slog.Any("error", err))
	}
	if l.pub != nil {
		l.pub.Publish("events/"+item.Addr, []byte(line))
	}
}

// classify maps a debugstr payload to its display category. A leading type
// byte wins; plain text falls back to content matching.
func classify(payload []byte) (category, text string) {
	if len(payload) > 0 {
		switch payload[0] {
		case tagEvent:
			return "[EVENT]", strings.TrimSpace(string(payload[1:]))
		case tagInference:
			return "[INFERENCE]", strings.TrimSpace(string(payload[1:]))
		case tagHeap:
			return "[HEAP STATE]", strings.TrimSpace(string(payload[1:]))
		}
	}

	text = strings.TrimSpace(string(payload))
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "heap"):
		return "[HEAP STATE]", text
	case strings.Contains(lower, "inference"):
		return "[INFERENCE]", text
	default:
		return "[EVENT]", text
	}
}

func (l *LogFanout) append(item Item, line string) error {
	dir := filepath.Join(l.dataDir, "display")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workers: create display dir: %w", err)
	}
	path := filepath.Join(dir, l.datePat.FormatString(item.ReceivedAt)+".txt")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workers: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("workers: write line: %w", err)
	}
	return nil
}
