package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("router", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, tt.expected == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_CheckPollsCheckers(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("webhooks", "snapshot loaded")

	brokerErr := errors.New("nats: no servers available for connection")
	m.Register("broker", CheckerFunc(func(context.Context) Status {
		return FromError("broker", brokerErr)
	}))
	m.Register("connections", CheckerFunc(func(context.Context) Status {
		return NewHealthy("connections", "accepting").WithMetrics(&Metrics{Connections: 3})
	}))

	agg := m.Check(context.Background(), "ocpprouter")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "broker", agg.SubStatuses[0].Component)
	assert.Equal(t, "connections", agg.SubStatuses[1].Component)
	assert.Equal(t, 3, agg.SubStatuses[1].Metrics.Connections)

	status, ok := m.Get("broker")
	require.True(t, ok)
	assert.False(t, status.Healthy)

	m.Remove("broker")
	assert.True(t, m.Check(context.Background(), "ocpprouter").IsHealthy())
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("db", nil).IsHealthy())

	s := FromError("db", errors.New("dial postgres://user:pw@10.0.0.5:5432/csms failed: password=hunter2"))
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "hunter2")
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.Contains(t, s.Message, "[URL]")
}
