package workers

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lestrrat-go/strftime"

	"github.com/slimhive/slimhub/internal/packet"
)

// SoundCollector buffers feature vectors per address during on-device
// feature collection and snapshots them to a compressed array file when
// the device signals FEATURE_FINISH.
type SoundCollector struct {
	queue   *Queue
	baseDir string
	logger  *slog.Logger

	datePat *strftime.Strftime
	timePat *strftime.Strftime

	// accumulated feature vectors per address; only touched by Run.
	pending map[string][][]float32
}

// NewSoundCollector creates the collector. baseDir is the programdata
// root; snapshots land under baseDir/datasets/<addr>/features/<date>/.
func NewSoundCollector(queue *Queue, baseDir string, logger *slog.Logger) (*SoundCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	datePat, err := strftime.New("%Y-%m-%d")
	if err != nil {
		return nil, fmt.Errorf("workers: date pattern: %w", err)
	}
	timePat, err := strftime.New("%H-%M-%S")
	if err != nil {
		return nil, fmt.Errorf("workers: time pattern: %w", err)
	}
	return &SoundCollector{
		queue:   queue,
		baseDir: baseDir,
		logger:  logger.With(slog.String("worker", "sound")),
		datePat: datePat,
		timePat: timePat,
		pending: make(map[string][][]float32),
	}, nil
}

// Run consumes the queue until it is closed, then flushes any remaining
// accumulators and exits.
func (c *SoundCollector) Run(ctx context.Context) error {
	c.logger.Info("sound collector started")
	for {
		select {
		case <-ctx.Done():
			// Shutdown still drains: the supervisor closes the queue and
			// the loop below finishes the backlog.
			c.drain()
			return ctx.Err()
		case item, ok := <-c.queue.Items():
			if !ok {
				c.flushAll()
				c.logger.Info("sound collector drained")
				return nil
			}
			c.handle(item)
		}
	}
}

func (c *SoundCollector) drain() {
	for {
		select {
		case item, ok := <-c.queue.Items():
			if !ok {
				c.flushAll()
				return
			}
			c.handle(item)
		default:
			c.flushAll()
			return
		}
	}
}

func (c *SoundCollector) handle(item Item) {
	if len(item.Payload) == 0 {
		return
	}

	switch packet.Command(item.Payload[0]) {
	case packet.CmdFeatureData:
		var f packet.FeatureFrame
		if err := packet.UnmarshalFeature(item.Payload, &f); err != nil {
			c.logger.Warn("feature frame dropped", slog.Any("error", err))
			return
		}
		vals := f.Float32s()
		c.pending[item.Addr] = append(c.pending[item.Addr], vals[:])

	case packet.CmdFeatureFinish:
		c.flush(item)

	case packet.CmdFeatureStart:
		// A new collection round discards any half-built accumulator.
		c.pending[item.Addr] = nil
	}
}

// flush writes the accumulated vectors for item.Addr and resets.
func (c *SoundCollector) flush(item Item) {
	rows := c.pending[item.Addr]
	delete(c.pending, item.Addr)
	if len(rows) == 0 {
		return
	}

	path := filepath.Join(c.baseDir, "datasets", item.Addr, "features",
		c.datePat.FormatString(item.ReceivedAt),
		c.timePat.FormatString(item.ReceivedAt)+".npz")
	if err := writeNPZ(path, "features", rows, packet.FeatureValueCount); err != nil {
		c.logger.Error("feature snapshot failed",
			slog.String("addr", item.Addr), slog.Any("error", err))
		return
	}
	c.logger.Info("feature snapshot written",
		slog.String("addr", item.Addr),
		slog.Int("vectors", len(rows)),
		slog.String("path", path))
}

func (c *SoundCollector) flushAll() {
	for addr, rows := range c.pending {
		if len(rows) == 0 {
			continue
		}
		c.flush(Item{Addr: addr, ReceivedAt: nowFunc()})
	}
}
