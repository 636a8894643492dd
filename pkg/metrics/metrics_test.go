package metrics

import "testing"

func TestRegistry_CountersAndGauges(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"tablet": "t1", "peer": "a"}

	r.IncCounter(ElectionsStarted, labels, 1)
	r.IncCounter(ElectionsStarted, labels, 2)
	r.SetGauge(CurrentTerm, labels, 7)
	r.SetGauge(CurrentTerm, labels, 8)

	if got := r.Counter(ElectionsStarted, labels); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
	if got := r.Gauge(CurrentTerm, labels); got != 8 {
		t.Fatalf("expected 8, got %v", got)
	}
	if got := r.Counter(ElectionsStarted, nil); got != 0 {
		t.Fatalf("unlabelled series must be separate, got %v", got)
	}
}

func TestRegistry_Histogram(t *testing.T) {
	r := NewRegistry()
	for _, v := range []float64{3, 1, 2} {
		r.ObserveHistogram(UpdateLatencySeconds, nil, v)
	}

	h := r.Snapshot().Histograms[UpdateLatencySeconds]
	if h.Count != 3 || h.Sum != 6 || h.Min != 1 || h.Max != 3 {
		t.Fatalf("unexpected histogram: %+v", h)
	}
}

func TestSeriesKey_SortsLabels(t *testing.T) {
	got := seriesKey("m", map[string]string{"b": "2", "a": "1"})
	if got != `m{a="1",b="2"}` {
		t.Fatalf("unexpected key %q", got)
	}
}
