package bbsmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	bbsmetrics "github.com/meshcitadel/meshcitadel/internal/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func vecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v) error: %v", labels, err)
	}
	return counterValue(t, c)
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bbsmetrics.NewCollector(reg)

	if c.Packets == nil {
		t.Error("Packets is nil")
	}
	if c.Acks == nil {
		t.Error("Acks is nil")
	}
	if c.Retries == nil {
		t.Error("Retries is nil")
	}
	if c.Inbound == nil {
		t.Error("Inbound is nil")
	}
	if c.Duplicates == nil {
		t.Error("Duplicates is nil")
	}
	if c.Malformed == nil {
		t.Error("Malformed is nil")
	}
	if c.Restarts == nil {
		t.Error("Restarts is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestPacketOutcomeLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bbsmetrics.NewCollector(reg)

	c.PacketSent(true)
	c.PacketSent(true)
	c.PacketSent(false)

	if got := vecValue(t, c.Packets, "true"); got != 2 {
		t.Errorf("acked packets = %v, want 2", got)
	}
	if got := vecValue(t, c.Packets, "false"); got != 1 {
		t.Errorf("unacked packets = %v, want 1", got)
	}
}

func TestReporterMethods(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bbsmetrics.NewCollector(reg)

	c.AckReceived()
	c.SendRetried()
	c.SendRetried()
	c.MessageReceived()
	c.DuplicateDropped()
	c.MalformedDropped()
	c.EngineRestarted()

	if got := counterValue(t, c.Acks); got != 1 {
		t.Errorf("acks = %v, want 1", got)
	}
	if got := counterValue(t, c.Retries); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := counterValue(t, c.Inbound); got != 1 {
		t.Errorf("inbound = %v, want 1", got)
	}
	if got := counterValue(t, c.Duplicates); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := counterValue(t, c.Malformed); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
	if got := counterValue(t, c.Restarts); got != 1 {
		t.Errorf("restarts = %v, want 1", got)
	}
}

func TestSessionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := bbsmetrics.NewCollector(reg)

	n := 3
	c.RegisterSessionGauge(func() int { return n })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "meshcitadel_bbs_sessions_active" {
			if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("sessions gauge = %v, want 3", got)
			}
			return
		}
	}
	t.Error("sessions gauge not gathered")
}
