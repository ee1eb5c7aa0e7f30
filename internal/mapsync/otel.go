package mapsync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/worldmap/internal/mapsync"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type metrics struct {
	transitions metric.Int64Counter
	mutations   metric.Int64Counter
	failures    metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	m := meter()
	transitions, err := m.Int64Counter("mapsync.transitions",
		metric.WithDescription("Connectivity state transitions"))
	if err != nil {
		return nil, err
	}
	mutations, err := m.Int64Counter("mapsync.mutations",
		metric.WithDescription("Map mutations attempted"))
	if err != nil {
		return nil, err
	}
	failures, err := m.Int64Counter("mapsync.mutation.failures",
		metric.WithDescription("Map mutations that returned an error"))
	if err != nil {
		return nil, err
	}
	return &metrics{transitions: transitions, mutations: mutations, failures: failures}, nil
}

func (m *metrics) transition(to State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", string(to.Status)),
		attribute.String("kind", string(to.Kind)),
	))
}

func (m *metrics) mutation(ctx context.Context, op string, status Status, err error) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", string(status)),
	)
	m.mutations.Add(ctx, 1, attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}
