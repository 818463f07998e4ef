package workers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/slimhive/slimhub/internal/packet"
)

// envHeader is the CSV header for environment frames.
const envHeader = "time,press,temp,humid,gas_raw,iaq,s_iaq,eco2,bvoc,gas_percent,clear"

// inferenceHeader is the CSV header for decoded rawdata frames; the twenty
// logit columns carry the dequantized class scores.
const inferenceHeader = "time,flag,signal,room,press,temp,humid,gas_raw,iaq,clear," +
	"l00,l01,l02,l03,l04,l05,l06,l07,l08,l09," +
	"l10,l11,l12,l13,l14,l15,l16,l17,l18,l19"

// DataPersister appends structured lines to dated text files under
// data/<location>/<device_type>/<addr>/<service>/<char>/<date>.txt. Each
// write opens, appends and closes the file so concurrent workers on
// disjoint paths never contend.
type DataPersister struct {
	queue   *Queue
	dataDir string
	logger  *slog.Logger
	datePat *strftime.Strftime
}

// NewDataPersister creates the persister rooted at dataDir.
func NewDataPersister(queue *Queue, dataDir string, logger *slog.Logger) (*DataPersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	datePat, err := strftime.New("%Y-%m-%d")
	if err != nil {
		return nil, fmt.Errorf("workers: date pattern: %w", err)
	}
	return &DataPersister{
		queue:   queue,
		dataDir: dataDir,
		logger:  logger.With(slog.String("worker", "persist")),
		datePat: datePat,
	}, nil
}

// Run consumes the queue until it is closed and drained.
func (p *DataPersister) Run(ctx context.Context) error {
	p.logger.Info("data persister started")
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case item, ok := <-p.queue.Items():
					if !ok {
						return ctx.Err()
					}
					p.handle(item)
				default:
					return ctx.Err()
				}
			}
		case item, ok := <-p.queue.Items():
			if !ok {
				p.logger.Info("data persister drained")
				return nil
			}
			p.handle(item)
		}
	}
}

func (p *DataPersister) handle(item Item) {
	line, header, err := p.format(item)
	if err != nil {
		p.logger.Warn("frame not persisted", slog.Any("error", err),
			slog.String("addr", item.Addr), slog.String("char", item.Char))
		return
	}
	if err := p.append(item, line, header); err != nil {
		p.logger.Error("append failed", slog.Any("error", err))
	}
}

// format renders one item as a text line plus the header to write when the
// dated file is first created.
func (p *DataPersister) format(item Item) (line, header string, err error) {
	ts := item.ReceivedAt.Format("15:04:05.000")

	switch item.Char {
	case "rawdata":
		f, err := packet.DecodeInference(item.Payload)
		if err != nil {
			return "", "", err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s,%d,%d,%d,%.3f,%.3f,%.3f,%.3f,%.3f,%d",
			ts, f.Flag, f.Signal, f.Room, f.Press, f.Temp, f.Humid, f.GasRaw, f.IAQ, f.Clear)
		for _, l := range f.Logits {
			fmt.Fprintf(&b, ",%.6f", packet.DequantLogit(l))
		}
		return b.String(), inferenceHeader, nil

	case "debugstr":
		rec := struct {
			TS   string `json:"ts"`
			Addr string `json:"addr"`
			Text string `json:"text"`
		}{
			TS:   item.ReceivedAt.Format(time.RFC3339Nano),
			Addr: item.Addr,
			Text: string(item.Payload),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return "", "", err
		}
		return string(raw), "", nil

	default:
		if item.Service == "environment" {
			vals, clear, err := packet.DecodeEnvironment(item.Payload)
			if err != nil {
				return "", "", err
			}
			var b strings.Builder
			b.WriteString(ts)
			for _, v := range vals {
				fmt.Fprintf(&b, ",%.3f", v)
			}
			fmt.Fprintf(&b, ",%d", clear)
			return b.String(), envHeader, nil
		}
		// Opaque frames (grideye, aat, relay) persist as hex.
		return ts + "," + hex.EncodeToString(item.Payload), "", nil
	}
}

// append writes line to the item's dated file, creating directories and
// emitting the header on first write.
func (p *DataPersister) append(item Item, line, header string) error {
	dir := filepath.Join(p.dataDir, item.Location, item.DeviceType,
		item.Addr, item.Service, item.Char)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workers: create data dir: %w", err)
	}

	path := filepath.Join(dir, p.datePat.FormatString(item.ReceivedAt)+".txt")
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workers: open %s: %w", path, err)
	}
	defer f.Close()

	if fresh && header != "" {
		if _, err := f.WriteString(header + "\n"); err != nil {
			return fmt.Errorf("workers: write header: %w", err)
		}
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("workers: write line: %w", err)
	}
	return nil
}
