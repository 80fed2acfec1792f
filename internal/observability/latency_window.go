package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// stageBudgetsMS are the p95 latency budgets reported next to each turn
// stage. Stages without a budget report 0.
var stageBudgetsMS = map[string]float64{
	"warmup":     800,
	"agent":      2500,
	"segment":    300,
	"dispatch":   6000,
	"turn_total": 9000,
}

// StageLatency summarises the samples currently held for one turn stage.
type StageLatency struct {
	Stage       string  `json:"stage"`
	Count       int     `json:"count"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	MinMS       float64 `json:"min_ms"`
	MaxMS       float64 `json:"max_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

// LatencySnapshot is the payload of GET /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Capacity    int            `json:"capacity"`
	Stages      []StageLatency `json:"stages"`
	Outcomes    map[string]int `json:"turn_outcomes"`
}

// latencyWindow keeps the most recent samples per stage in fixed-size rings
// together with cumulative turn outcome counts.
type latencyWindow struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*sampleRing
	outcomes map[string]int
}

type sampleRing struct {
	samples []float64
	pos     int
	last    float64
}

func (r *sampleRing) add(v float64) {
	r.last = v
	if len(r.samples) < cap(r.samples) {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.pos] = v
	r.pos = (r.pos + 1) % len(r.samples)
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &latencyWindow{
		capacity: capacity,
		rings:    make(map[string]*sampleRing),
		outcomes: make(map[string]int),
	}
}

func (w *latencyWindow) add(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{samples: make([]float64, 0, w.capacity)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *latencyWindow) countOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[outcome]++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		Capacity:    w.capacity,
		Stages:      make([]StageLatency, 0, len(w.rings)),
		Outcomes:    make(map[string]int, len(w.outcomes)),
	}
	for name, n := range w.outcomes {
		snap.Outcomes[name] = n
	}
	for stage, r := range w.rings {
		if len(r.samples) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarise(stage, r))
	}
	slices.SortFunc(snap.Stages, func(a, b StageLatency) int {
		switch {
		case a.Stage < b.Stage:
			return -1
		case a.Stage > b.Stage:
			return 1
		}
		return 0
	})
	return snap
}

func summarise(stage string, r *sampleRing) StageLatency {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	s := StageLatency{
		Stage:       stage,
		Count:       len(sorted),
		LastMS:      roundMS(r.last),
		MeanMS:      roundMS(sum / float64(len(sorted))),
		MinMS:       roundMS(sorted[0]),
		MaxMS:       roundMS(sorted[len(sorted)-1]),
		P50MS:       roundMS(interpolate(sorted, 0.50)),
		P95MS:       roundMS(interpolate(sorted, 0.95)),
		P99MS:       roundMS(interpolate(sorted, 0.99)),
		BudgetP95MS: stageBudgetsMS[stage],
	}
	s.OverBudget = s.BudgetP95MS > 0 && s.P95MS > s.BudgetP95MS
	return s
}

// interpolate returns the q-quantile of sorted using linear interpolation
// between closest ranks.
func interpolate(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
