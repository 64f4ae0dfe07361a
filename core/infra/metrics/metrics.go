package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures counters for the command pipeline and the job executor.
type Metrics interface {
	IncCommandExecuted(command, outcome string)
	ObserveCommandDuration(command string, durationSeconds float64)
	IncAuthorizationDenied(resource string)
	IncJobsAcquired(n int)
	IncJobsCompleted(outcome string)
	IncIncidents()
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncCommandExecuted(string, string)      {}
func (Noop) ObserveCommandDuration(string, float64) {}
func (Noop) IncAuthorizationDenied(string)          {}
func (Noop) IncJobsAcquired(int)                    {}
func (Noop) IncJobsCompleted(string)                {}
func (Noop) IncIncidents()                          {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	authDenied      *prometheus.CounterVec
	jobsAcquired    prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	incidents       prometheus.Counter
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_executed_total",
			Help:      "Commands executed by name and outcome",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution latency by name",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		authDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_denied_total",
			Help:      "Authorization failures by resource type",
		}, []string{"resource"}),
		jobsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_acquired_total",
			Help:      "Jobs acquired by executor workers",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job executions by outcome",
		}, []string{"outcome"}),
		incidents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Jobs that exhausted their retry budget",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.commands,
			p.commandDuration,
			p.authDenied,
			p.jobsAcquired,
			p.jobsCompleted,
			p.incidents,
		)
	})
}

func (p *Prom) IncCommandExecuted(command, outcome string) {
	p.commands.WithLabelValues(command, outcome).Inc()
}

func (p *Prom) ObserveCommandDuration(command string, durationSeconds float64) {
	p.commandDuration.WithLabelValues(command).Observe(durationSeconds)
}

func (p *Prom) IncAuthorizationDenied(resource string) {
	p.authDenied.WithLabelValues(resource).Inc()
}

func (p *Prom) IncJobsAcquired(n int) {
	p.jobsAcquired.Add(float64(n))
}

func (p *Prom) IncJobsCompleted(outcome string) {
	p.jobsCompleted.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncIncidents() {
	p.incidents.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
