package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder receives pipeline and monitor events.
type Recorder interface {
	AddBytes(dataset string, n int64)
	IncArtifact(dataset, status string)
	IncRetry(dataset string)
	Verification(outcome string)
	IncPoll(state string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) AddBytes(string, int64)     {}
func (Noop) IncArtifact(string, string) {}
func (Noop) IncRetry(string)           {}
func (Noop) Verification(string)       {}
func (Noop) IncPoll(string)            {}

// Prom implements Recorder backed by collectors in a private registry.
type Prom struct {
	registry      *prometheus.Registry
	bytes         *prometheus.CounterVec
	artifacts     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	verifications *prometheus.CounterVec
	polls         *prometheus.CounterVec
	lastRun       prometheus.Gauge
}

// NewProm creates collectors under the provided namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes written to local artifacts by dataset",
		}, []string{"dataset"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Artifacts processed by dataset and final status",
		}, []string{"dataset", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_retries_total",
			Help:      "Transfer retries after network errors by dataset",
		}, []string{"dataset"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Checksum verifications by outcome",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_polls_total",
			Help:      "Worker monitor polls by observed state",
		}, []string{"state"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last pushed run",
		}),
	}

	p.registry.MustRegister(p.bytes, p.artifacts, p.retries, p.verifications, p.polls, p.lastRun)

	return p
}

func (p *Prom) AddBytes(dataset string, n int64) {
	if n > 0 {
		p.bytes.WithLabelValues(dataset).Add(float64(n))
	}
}

func (p *Prom) IncArtifact(dataset, status string) {
	p.artifacts.WithLabelValues(dataset, status).Inc()
}

func (p *Prom) IncRetry(dataset string) {
	p.retries.WithLabelValues(dataset).Inc()
}

func (p *Prom) Verification(outcome string) {
	p.verifications.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncPoll(state string) {
	p.polls.WithLabelValues(state).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Push sends the collected metrics to the Pushgateway, grouped by run id.
func (p *Prom) Push(ctx context.Context, gatewayURL, job, runID string) error {
	p.lastRun.SetToCurrentTime()

	err := push.New(gatewayURL, job).
		Gatherer(p.registry).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}

	return nil
}
