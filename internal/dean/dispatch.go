package dean

import (
	"context"
	"log/slog"

	"github.com/slimhive/slimhub/internal/identity"
	"github.com/slimhive/slimhub/internal/packet"
	"github.com/slimhive/slimhub/internal/presence"
	"github.com/slimhive/slimhub/internal/transfer"
	"github.com/slimhive/slimhub/internal/workers"
)

// dispatch routes one upstream notification by (service, characteristic).
// Malformed frames are dropped with a warning and never advance state.
func (s *Session) dispatch(ctx context.Context, item notifyItem) {
	entry, payload, err := s.ids.ParseUpstream(item.payload, s.addr, s.deviceTypeLocked(), s.locationLocked())
	if err != nil {
		s.metrics.FrameDropped("short_frame")
		s.logger.Warn("frame dropped",
			slog.String("service", item.service),
			slog.String("char", item.char),
			slog.Any("error", err))
		return
	}
	s.metrics.FrameReceived(item.service, item.char)
	if len(payload) == 0 {
		s.dropFrame("empty_payload", packet.ErrShortFrame)
		return
	}

	switch {
	case item.service == SvcConfig && item.char == CharFile:
		s.dispatchAck(ctx, transfer.StreamFile, entry.Mac, payload)

	case item.service == SvcSound && item.char == CharModel:
		if cmd := packet.Command(payload[0]); cmd >= packet.CmdFeatureStart && cmd <= packet.CmdFeatureEnd {
			s.enqueueWorker(s.queues.Sound, item, entry, payload)
			return
		}
		s.dispatchAck(ctx, transfer.StreamModel, entry.Mac, payload)

	case item.service == SvcSound && item.char == CharFeature:
		s.enqueueWorker(s.queues.Sound, item, entry, payload)

	case item.service == SvcInference && item.char == CharRawdata:
		s.dispatchInference(ctx, item, entry, payload)

	case item.service == SvcInference && item.char == CharDebugstr:
		s.enqueueWorker(s.queues.Data, item, entry, payload)
		s.enqueueWorker(s.queues.Log, item, entry, payload)

	default:
		s.enqueueWorker(s.queues.Data, item, entry, payload)
	}
}

// dispatchAck decodes a transfer acknowledgement and feeds the engine.
// The device sends either a bare command or a command plus sequence.
func (s *Session) dispatchAck(ctx context.Context, stream transfer.Stream, mac packet.Mac, payload []byte) {
	var (
		cmd packet.Command
		seq uint16
	)
	switch len(payload) {
	case packet.ControlFrameSize:
		var frame packet.ControlFrame
		if err := packet.UnmarshalControl(payload, &frame); err != nil {
			s.dropFrame("bad_control", err)
			return
		}
		cmd = frame.Cmd
	case packet.AckFrameSize:
		var frame packet.AckFrame
		if err := packet.UnmarshalAck(payload, &frame); err != nil {
			s.dropFrame("bad_ack", err)
			return
		}
		cmd, seq = frame.Cmd, frame.Seq
	default:
		s.dropFrame("bad_ack_size", packet.ErrShortFrame)
		return
	}

	s.engineFor(stream, mac).HandleAck(ctx, cmd, seq)
}

// dispatchInference decodes the fixed inference struct. Presence frames
// (flag 1) go to the tracker; everything else is telemetry.
func (s *Session) dispatchInference(ctx context.Context, item notifyItem, entry identity.Entry, payload []byte) {
	frame, err := packet.DecodeInference(payload)
	if err != nil {
		s.dropFrame("bad_inference", err)
		return
	}

	if frame.Flag == 1 {
		ev := presence.Event{
			Addr:   entry.Mac.String(),
			Room:   RoomName(uint16(frame.Room)),
			Signal: presence.Signal(frame.Signal),
		}
		if err := s.tracker.Offer(ctx, ev); err != nil {
			s.logger.Warn("presence event dropped", slog.Any("error", err))
		}
		return
	}

	s.enqueueWorker(s.queues.Data, item, entry, payload)
}

func (s *Session) enqueueWorker(q *workers.Queue, item notifyItem, entry identity.Entry, payload []byte) {
	if q == nil {
		return
	}
	ok := q.TryPut(workers.Item{
		Location:   entry.Location,
		DeviceType: entry.DeviceType,
		Addr:       entry.Mac.String(),
		Service:    item.service,
		Char:       item.char,
		ReceivedAt: s.now(),
		Payload:    payload,
	})
	if !ok {
		s.metrics.FrameDropped("queue_full")
	}
}

func (s *Session) dropFrame(reason string, err error) {
	s.metrics.FrameDropped(reason)
	s.logger.Warn("frame dropped", slog.String("reason", reason), slog.Any("error", err))
}
