// Package metrics exposes the acquisition counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camworker"

// Metrics is nil safe, a nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	FramesTotal         *prometheus.CounterVec
	BackpressureTotal   prometheus.Counter
	EndOfSourceTotal    prometheus.Counter
	DeviceErrorsTotal   prometheus.Counter
	ReconnectsTotal     *prometheus.CounterVec
	SourceSwitchesTotal *prometheus.CounterVec
	CommandErrorsTotal  *prometheus.CounterVec
	ReadDuration        *prometheus.HistogramVec
	State               *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handed over to the consumer by source kind",
		}, []string{"source"}),
		BackpressureTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_total",
			Help:      "Ticks skipped because the consumer still held the buffer",
		}),
		EndOfSourceTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "end_of_source_total",
			Help:      "Ticks idled on an exhausted file source",
		}),
		DeviceErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Hardware faults that deactivated the camera",
		}),
		ReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Hardware reconnect attempts by result",
		}, []string{"result"}),
		SourceSwitchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_switches_total",
			Help:      "Active source replacements by new source kind",
		}, []string{"source"}),
		CommandErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Commands that failed to dispatch",
		}, []string{"command"}),
		ReadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_duration_seconds",
			Help:      "Time spent pulling one frame from the active source",
			Buckets:   []float64{.001, .005, .01, .02, .035, .05, .1, .25, .5, 1},
		}, []string{"source"}),
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current worker state, 0 for the others",
		}, []string{"state"}),
	}
}

// CounterFunc exports a counter owned elsewhere, such as the dropped status messages of a control.Channel.
func (m *Metrics) CounterFunc(name, help string, fn func() uint64) {
	if m == nil {
		return
	}
	promauto.With(m.Registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(fn())
	})
}

func (m *Metrics) Frame(source string, read time.Duration) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(source).Inc()
	m.ReadDuration.WithLabelValues(source).Observe(read.Seconds())
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.BackpressureTotal.Inc()
}

func (m *Metrics) EndOfSource() {
	if m == nil {
		return
	}
	m.EndOfSourceTotal.Inc()
}

func (m *Metrics) DeviceError() {
	if m == nil {
		return
	}
	m.DeviceErrorsTotal.Inc()
}

func (m *Metrics) Reconnect(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.ReconnectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SourceSwitch(source string) {
	if m == nil {
		return
	}
	m.SourceSwitchesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) CommandError(command string) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	m.CommandErrorsTotal.WithLabelValues(command).Inc()
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry: m.Registry,
	})
}
