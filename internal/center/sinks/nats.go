package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/sentinel/internal/wire"
)

// Header keys attached to every published record.
const (
	HeaderSeq           = "Sentinel-Seq"
	HeaderCorrelationID = "Sentinel-Correlation-Id"
	HeaderKind          = "Sentinel-Kind"
)

// NATSSink publishes records on sentinel.<format>.<asset>.
type NATSSink struct {
	nc *nats.Conn
}

// NewNATSSink wraps an established connection. The sink does not own nc.
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

func (s *NATSSink) Name() string { return "nats" }

// Write implements Sink.
func (s *NATSSink) Write(_ context.Context, b Batch) error {
	for _, r := range b.Records {
		msg := nats.NewMsg(wire.Subject(string(r.Format), r.AssetID))
		msg.Data = r.Body
		msg.Header.Set(HeaderSeq, strconv.FormatUint(r.Seq, 10))
		msg.Header.Set(HeaderCorrelationID, r.CorrelationID)
		msg.Header.Set(HeaderKind, r.Kind)
		if err := s.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish seq %d: %w", r.Seq, err)
		}
	}
	return nil
}

// Close flushes pending publishes.
func (s *NATSSink) Close() error {
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.Flush()
}
