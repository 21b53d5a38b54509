package stream

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/thebtf/gamegen/internal/worker/stream"

// Metrics holds the stream instruments. A nil *Metrics records nothing.
type Metrics struct {
	activeSessions metric.Int64UpDownCounter
	pending        metric.Int64UpDownCounter
	generations    metric.Int64Counter
	dropped        metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	if m.activeSessions, err = meter.Int64UpDownCounter("gamegen.stream.sessions.active",
		metric.WithDescription("Live SSE generation streams")); err != nil {
		log.Warn().Err(err).Msg("Failed to create sessions metric")
	}
	if m.pending, err = meter.Int64UpDownCounter("gamegen.stream.pending",
		metric.WithDescription("Generations waiting for a stream to connect")); err != nil {
		log.Warn().Err(err).Msg("Failed to create pending metric")
	}
	if m.generations, err = meter.Int64Counter("gamegen.generations",
		metric.WithDescription("Generation runs by outcome")); err != nil {
		log.Warn().Err(err).Msg("Failed to create generations metric")
	}
	if m.dropped, err = meter.Int64Counter("gamegen.stream.events.dropped",
		metric.WithDescription("Events not delivered because no live stream existed")); err != nil {
		log.Warn().Err(err).Msg("Failed to create dropped events metric")
	}
	return m
}

func (m *Metrics) sessionsChanged(delta int64) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(context.Background(), delta)
}

func (m *Metrics) pendingChanged(delta int64) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Add(context.Background(), delta)
}

func (m *Metrics) generation(outcome string) {
	if m == nil || m.generations == nil {
		return
	}
	m.generations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) droppedEvent() {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1)
}
