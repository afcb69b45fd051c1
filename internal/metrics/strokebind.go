package metrics

import (
	"time"
)

// Daemon holds the strokebindd metrics.
type Daemon struct {
	registry *Registry
	started  time.Time

	// Outcomes counts resolutions by result: matched, click, timeout or
	// not-found.
	Outcomes *CounterVec
	// Edits counts control-socket edits by kind.
	Edits      *CounterVec
	EditErrors *Counter

	Scopes        *Gauge
	Bindings      *Gauge
	Clients       *Gauge
	Saves         *Gauge
	SaveHealthy   *Gauge
	UptimeSeconds *Gauge

	ResolveDuration *Histogram
	BestScore       *Histogram
}

// NewDaemon registers the daemon metrics in a fresh registry.
func NewDaemon() *Daemon {
	r := NewRegistry("strokebind")
	return &Daemon{
		registry: r,
		started:  time.Now(),

		Outcomes:   r.CounterVec("resolutions_total", "Strokes resolved, by result", "result"),
		Edits:      r.CounterVec("edits_total", "Tree edits made over the control socket, by kind", "kind"),
		EditErrors: r.Counter("edit_errors_total", "Edits rejected or failed"),

		Scopes:        r.Gauge("scopes", "Scopes in the tree"),
		Bindings:      r.Gauge("root_bindings", "Bindings defined at the root scope"),
		Clients:       r.Gauge("clients", "Connected control clients"),
		Saves:         r.Gauge("saves", "Successful writes of the actions file"),
		SaveHealthy:   r.Gauge("save_healthy", "1 while the last save succeeded"),
		UptimeSeconds: r.Gauge("uptime_seconds", "Seconds since the daemon started"),

		ResolveDuration: r.Histogram("resolve_duration_seconds", "Time spent resolving a stroke", DurationBuckets),
		BestScore:       r.Histogram("best_score", "Best similarity score per resolution", ScoreBuckets),
	}
}

// Registry returns the underlying registry.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// ObserveResolution records one resolution.
func (d *Daemon) ObserveResolution(result string, score float64, took time.Duration) {
	if d == nil {
		return
	}
	d.Outcomes.With(result).Add(1)
	d.ResolveDuration.ObserveDuration(took)
	if score >= 0 {
		d.BestScore.Observe(score)
	}
}

// ObserveEdit records one edit attempt.
func (d *Daemon) ObserveEdit(kind string, err error) {
	if d == nil {
		return
	}
	if err != nil {
		d.EditErrors.Inc()
		return
	}
	d.Edits.With(kind).Add(1)
}

// Uptime refreshes the uptime gauge.
func (d *Daemon) Uptime() {
	d.UptimeSeconds.Set(int64(time.Since(d.started).Seconds()))
}
