package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.add("segment", 100)
	w.add("segment", 200)
	w.add("segment", 400)
	w.add("agent", 50)
	w.countOutcome("ok")
	w.countOutcome("ok")
	w.countOutcome("failed")

	snap := w.snapshot()
	if snap.Capacity != 8 {
		t.Fatalf("Capacity = %d, want 8", snap.Capacity)
	}
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != "agent" || snap.Stages[1].Stage != "segment" {
		t.Fatalf("Stages = %+v, want agent then segment", snap.Stages)
	}
	s := snap.Stages[1]
	if s.Count != 3 || s.LastMS != 400 || s.MinMS != 100 || s.MaxMS != 400 {
		t.Fatalf("segment stats = %+v", s)
	}
	if s.P50MS != 200 {
		t.Fatalf("P50MS = %.2f, want 200", s.P50MS)
	}
	if s.BudgetP95MS != 300 || !s.OverBudget {
		t.Fatalf("budget = %.2f over=%v, want 300 over budget", s.BudgetP95MS, s.OverBudget)
	}
	if snap.Outcomes["ok"] != 2 || snap.Outcomes["failed"] != 1 {
		t.Fatalf("Outcomes = %v", snap.Outcomes)
	}
}

func TestLatencyWindowKeepsNewestSamples(t *testing.T) {
	w := newLatencyWindow(2)
	w.add("dispatch", 10)
	w.add("dispatch", 20)
	w.add("dispatch", 30)

	s := w.snapshot().Stages[0]
	if s.Count != 2 || s.MinMS != 20 || s.MeanMS != 25 || s.LastMS != 30 {
		t.Fatalf("dispatch stats = %+v, want samples 20 and 30", s)
	}
}

func TestLatencyWindowIgnoresInvalidSamples(t *testing.T) {
	w := newLatencyWindow(4)
	w.add("", 10)
	w.add("agent", -1)
	if got := len(w.snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) = %d, want 0", got)
	}
}

func TestMetricsHelpersAreNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurn("ok")
	m.ObserveStage("agent", time.Second)
	m.SegmenterEvent("timeout")
	m.SetSegmenterPending(3)
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot stages = %d, want 0", len(snap.Stages))
	}
}

func TestMetricsFeedLatencyWindow(t *testing.T) {
	m := NewMetricsWithRegistry("test_stage", prometheus.NewRegistry())
	m.ObserveStage("dispatch", 1500*time.Millisecond)
	m.ObserveTurn("ok")

	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("snapshot = %+v, want dispatch at 1500ms", snap.Stages)
	}
	if snap.Outcomes["ok"] != 1 {
		t.Fatalf("Outcomes = %v, want ok=1", snap.Outcomes)
	}
}
