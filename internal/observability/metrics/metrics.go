// Package metrics exports daemon state to Prometheus and serves it, with
// optional pprof endpoints, over HTTP.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"userbotd/internal/eventbus"
	"userbotd/internal/runtime/supervisor"
	"userbotd/internal/userbot/manager"
	"userbotd/internal/userbot/sweeper"
)

const namespace = "userbotd"

// ProcessLister is implemented by *manager.Manager.
type ProcessLister interface {
	Snapshot() []manager.HandleInfo
}

// Metrics owns a private registry. Counters are fed from the event bus;
// gauges are read at scrape time.
type Metrics struct {
	reg *prometheus.Registry

	restarts      prometheus.Counter
	gaveUp        prometheus.Counter
	exits         prometheus.Counter
	handshake     prometheus.Histogram
	sweepRuns     prometheus.Counter
	sweepRemoved  prometheus.Counter
	sweepExpired  prometheus.Counter
	sweepErrors   prometheus.Counter
	sweepDuration prometheus.Gauge
	notices       *prometheus.CounterVec
}

func New(procs ProcessLister, sups *supervisor.Registry) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "restarts_total",
			Help: "Automatic session process restarts.",
		}),
		gaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gave_up_total",
			Help: "Identities deactivated after exhausting restarts.",
		}),
		exits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "process_exits_total",
			Help: "Unexpected session process exits.",
		}),
		handshake: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handshake_seconds",
			Help:    "Time from spawn to readiness.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_runs_total",
			Help: "Completed sweeper passes.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_removed_total",
			Help: "Identities removed for an invalid session.",
		}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_expired_total",
			Help: "Identities handled by the expiry policy.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_errors_total",
			Help: "Identities whose check failed transiently.",
		}),
		sweepDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sweep_last_duration_seconds",
			Help: "Duration of the most recent sweep.",
		}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notices_total",
			Help: "Admin notices by outcome.",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(
		m.restarts, m.gaveUp, m.exits, m.handshake,
		m.sweepRuns, m.sweepRemoved, m.sweepExpired, m.sweepErrors, m.sweepDuration,
		m.notices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		&stateCollector{procs: procs, sups: sups},
	)
	return m
}

// Registry returns the registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256, "userbot.", "sweep.", "notifier.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.UserbotStarted:
		if si, ok := ev.Data.(manager.StartInfo); ok {
			m.handshake.Observe(si.Handshake.Seconds())
		}
	case eventbus.UserbotRestarting:
		m.restarts.Inc()
	case eventbus.UserbotExited:
		m.exits.Inc()
	case eventbus.UserbotGaveUp:
		m.gaveUp.Inc()
	case eventbus.SweepFinished:
		if rep, ok := ev.Data.(sweeper.Report); ok {
			m.sweepRuns.Inc()
			m.sweepRemoved.Add(float64(rep.InvalidRemoved))
			m.sweepExpired.Add(float64(rep.Expired))
			m.sweepErrors.Add(float64(rep.Errors))
			m.sweepDuration.Set(rep.Duration.Seconds())
		}
	case eventbus.NotifierSent:
		m.notices.WithLabelValues("sent").Inc()
	case eventbus.NotifierFailed:
		m.notices.WithLabelValues("failed").Inc()
	case eventbus.NotifierDropped:
		m.notices.WithLabelValues("dropped").Inc()
	}
}

var (
	processesDesc = prometheus.NewDesc(namespace+"_processes",
		"Supervised session processes by status.", []string{"status"}, nil)
	goroutinesDesc = prometheus.NewDesc(namespace+"_supervisor_goroutines",
		"Active goroutines per runtime supervisor.", []string{"supervisor"}, nil)
	goroutinesStartedDesc = prometheus.NewDesc(namespace+"_supervisor_goroutines_started_total",
		"Goroutines started per runtime supervisor.", []string{"supervisor"}, nil)
)

// stateCollector reads process and supervisor state at scrape time.
type stateCollector struct {
	procs ProcessLister
	sups  *supervisor.Registry
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- processesDesc
	ch <- goroutinesDesc
	ch <- goroutinesStartedDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.procs != nil {
		counts := map[manager.Status]int{
			manager.StatusStarting: 0,
			manager.StatusRunning:  0,
			manager.StatusDead:     0,
		}
		for _, h := range c.procs.Snapshot() {
			counts[h.Status]++
		}
		for st, n := range counts {
			ch <- prometheus.MustNewConstMetric(processesDesc, prometheus.GaugeValue, float64(n), string(st))
		}
	}
	for name, sup := range c.sups.Snapshot() {
		cs := sup.Counters()
		ch <- prometheus.MustNewConstMetric(goroutinesDesc, prometheus.GaugeValue, float64(cs.Active), name)
		ch <- prometheus.MustNewConstMetric(goroutinesStartedDesc, prometheus.CounterValue, float64(cs.Started), name)
	}
}
