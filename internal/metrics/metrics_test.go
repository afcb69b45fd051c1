package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCounterVecAndPrometheusText(t *testing.T) {
	d := NewDaemon()
	d.ObserveResolution("matched", 0.95, 2*time.Millisecond)
	d.ObserveResolution("matched", 0.8, time.Millisecond)
	d.ObserveResolution("not-found", -1, time.Millisecond)
	d.ObserveEdit("add", nil)
	d.ObserveEdit("add", errors.New("no scope"))
	d.Scopes.Set(3)

	if got := d.Outcomes.Value("matched"); got != 2 {
		t.Errorf("matched = %d, want 2", got)
	}
	if got := d.BestScore.Count(); got != 2 {
		t.Errorf("scores observed = %d, want 2 (misses carry no score)", got)
	}
	if got := d.EditErrors.Value(); got != 1 {
		t.Errorf("edit errors = %d, want 1", got)
	}

	var b strings.Builder
	if err := d.Registry().WritePrometheus(&b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{
		`strokebind_resolutions_total{result="matched"} 2`,
		`strokebind_resolutions_total{result="not-found"} 1`,
		`strokebind_edits_total{kind="add"} 1`,
		"strokebind_scopes 3",
		`strokebind_best_score_bucket{le="0.8"} 1`,
		`strokebind_best_score_bucket{le="+Inf"} 2`,
		"strokebind_resolve_duration_seconds_count 3",
		"# TYPE strokebind_clients gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Index(out, "resolutions_total") > strings.Index(out, "scopes") {
		t.Error("metrics not written in registration order")
	}
}

func TestHistogramBucketBoundaries(t *testing.T) {
	r := NewRegistry("")
	h := r.Histogram("h", "test", []float64{1, 2})
	for _, v := range []float64{0.5, 1, 1.5, 2, 3} {
		h.Observe(v)
	}
	var b strings.Builder
	r.WritePrometheus(&b)
	for _, want := range []string{
		`h_bucket{le="1"} 2`,
		`h_bucket{le="2"} 4`,
		`h_bucket{le="+Inf"} 5`,
		"h_count 5",
	} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("output missing %q:\n%s", want, b.String())
		}
	}
	if m := h.Mean(); m != 1.6 {
		t.Errorf("mean = %v, want 1.6", m)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry("x")
	r.Counter("c", "")
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.Gauge("c", "")
}

func TestNilDaemonIsNoop(t *testing.T) {
	var d *Daemon
	d.ObserveResolution("matched", 1, time.Millisecond)
	d.ObserveEdit("add", nil)
}
