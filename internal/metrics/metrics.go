// Package metrics exposes procctl's Prometheus metrics and the small ops
// HTTP surface (/metrics, /health, /ready).
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/procctl/internal/supervisor"
	"github.com/psantana5/procctl/pkg/logging"
)

const namespace = "procctl"

// maxInstructionLabel bounds label cardinality from caller-supplied names
const maxInstructionLabel = 32

// Metrics holds every procctl collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	commands  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	dropped   *prometheus.CounterVec
	replies   *prometheus.CounterVec
	consuming prometheus.Gauge

	hostCPU    prometheus.Gauge
	hostMemory prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands executed, by domain, instruction and outcome",
			},
			[]string{"domain", "instruction", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time spent executing a command inside its supervisor",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
			},
			[]string{"domain", "instruction"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Inbound messages dropped without execution",
			},
			[]string{"reason"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Replies published to callers",
			},
			[]string{"result"},
		),
		consuming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_consuming",
			Help:      "1 while commands are being consumed from the broker",
		}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilisation",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_used_percent",
			Help:      "Host memory in use",
		}),
	}

	m.registry.MustRegister(
		m.commands,
		m.duration,
		m.dropped,
		m.replies,
		m.consuming,
		m.hostCPU,
		m.hostMemory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func instructionLabel(instruction string) string {
	label := strings.ToLower(strings.TrimSpace(instruction))
	if label == "" || len(label) > maxInstructionLabel {
		return "other"
	}
	return label
}

// CommandExecuted records one command
func (m *Metrics) CommandExecuted(domain, instruction, outcome string, duration time.Duration) {
	label := instructionLabel(instruction)
	m.commands.WithLabelValues(domain, label, outcome).Inc()
	if duration > 0 {
		m.duration.WithLabelValues(domain, label).Observe(duration.Seconds())
	}
}

// MessageDropped records a message that was never executed
func (m *Metrics) MessageDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// ReplyPublished records a reply attempt
func (m *Metrics) ReplyPublished(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.replies.WithLabelValues(result).Inc()
}

// SetConsuming flags whether the dispatcher is consuming
func (m *Metrics) SetConsuming(consuming bool) {
	if consuming {
		m.consuming.Set(1)
	} else {
		m.consuming.Set(0)
	}
}

// WatchState exports procctl_process_state{domain,state}, 1 for the current
// state and 0 for the others. state is read at scrape time.
func (m *Metrics) WatchState(domain string, state func() supervisor.ProcessState) {
	for _, s := range supervisor.AllStates {
		s := s
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "process_state",
				Help:        "Lifecycle state of each supervised process",
				ConstLabels: prometheus.Labels{"domain": domain, "state": string(s)},
			},
			func() float64 {
				if state() == s {
					return 1
				}
				return 0
			},
		))
	}
}

// CollectHost samples host CPU and memory every interval until ctx is done
func (m *Metrics) CollectHost(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.sampleHost(ctx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleHost(ctx context.Context, logger *logging.Logger) {
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		logger.Debug("CPU sample failed", logging.Fields{"error": err.Error()})
	} else if len(pct) > 0 {
		m.hostCPU.Set(pct[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Debug("Memory sample failed", logging.Fields{"error": err.Error()})
	} else {
		m.hostMemory.Set(vm.UsedPercent)
	}
}
