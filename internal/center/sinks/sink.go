// Package sinks delivers Center output: translated records to NATS and MQTT
// subscribers, and retired tracks and alerts to the sqlite archive.
package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/center/gateway"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
)

// Batch is the egress output of one pipeline step, in production order.
type Batch struct {
	Records []gateway.Record
	Alerts  []model.AlertEvent
	Retired []model.Track
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Alerts) == 0 && len(b.Retired) == 0
}

// Sink consumes egress batches. Each sink picks the parts it cares about.
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
	Close() error
}

// Multi fans a batch out to several sinks. A failing sink is logged and
// counted but never stops the others.
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
	m      *monitoring.Metrics
}

// NewMulti combines sinks. Nil entries are skipped.
func NewMulti(logger *zap.Logger, m *monitoring.Metrics, sinks ...Sink) *Multi {
	mu := &Multi{logger: monitoring.OrNop(logger), m: monitoring.OrNew(m)}
	for _, s := range sinks {
		if s != nil {
			mu.sinks = append(mu.sinks, s)
		}
	}
	return mu
}

func (mu *Multi) Name() string { return "multi" }

// Write implements Sink and returns every sink error joined.
func (mu *Multi) Write(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	var errs []error
	for _, s := range mu.sinks {
		if err := s.Write(ctx, b); err != nil {
			mu.m.SinkErrors.WithLabelValues(s.Name()).Inc()
			mu.logger.Warn("sink write failed", zap.String("sink", s.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (mu *Multi) Close() error {
	var errs []error
	for _, s := range mu.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
