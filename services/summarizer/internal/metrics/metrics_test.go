package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionFinished("confirmed")
	m.DuplicatesDropped(2)
	m.Degraded("upload")
	m.FileFetched(true)
	m.TimerArmed()
	m.TimerReleased()
	m.ObserveDelivery(time.Second)
	if m.Registry() != nil {
		t.Fatal("nil Metrics returned a registry")
	}
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished("expired")
	m.DuplicatesDropped(3)
	m.DuplicatesDropped(0)
	m.Degraded("email")
	m.TimerArmed()
	m.TimerArmed()
	m.TimerReleased()
	m.ObserveDelivery(2 * time.Second)

	families := gather(t, reg)
	tests := []struct {
		name string
		want float64
		read func(*dto.Metric) float64
	}{
		{name: "summarizer_sessions_started_total", want: 2, read: func(m *dto.Metric) float64 { return m.GetCounter().GetValue() }},
		{name: "summarizer_sessions_finished_total", want: 1, read: func(m *dto.Metric) float64 { return m.GetCounter().GetValue() }},
		{name: "summarizer_duplicates_dropped_total", want: 3, read: func(m *dto.Metric) float64 { return m.GetCounter().GetValue() }},
		{name: "summarizer_degraded_actions_total", want: 1, read: func(m *dto.Metric) float64 { return m.GetCounter().GetValue() }},
		{name: "summarizer_armed_timers", want: 1, read: func(m *dto.Metric) float64 { return m.GetGauge().GetValue() }},
		{name: "summarizer_delivery_duration_seconds", want: 1, read: func(m *dto.Metric) float64 { return float64(m.GetHistogram().GetSampleCount()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := families[tt.name]
			if !ok || len(f.GetMetric()) != 1 {
				t.Fatalf("family %s missing or has unexpected series", tt.name)
			}
			if got := tt.read(f.GetMetric()[0]); got != tt.want {
				t.Fatalf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
