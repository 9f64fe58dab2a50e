package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.PluginOps.WithLabelValues("test-plugin", "preop").Inc()
	c.BackendOps.WithLabelValues("main", "add").Inc()
	c.DispatchPhase.WithLabelValues("preop").Observe(0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 3 {
		t.Errorf("expected 3 registered metric families, got %d", len(families))
	}
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Errorf("expected MustRegister to panic on a duplicate registration")
		}
	}()
	New(reg)
}
