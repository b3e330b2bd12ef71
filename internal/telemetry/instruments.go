package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/sampler"
)

type instruments struct {
	submissions *prometheus.CounterVec
	samples     prometheus.Counter
	cpuUsage    prometheus.Gauge
	cpuTemp     prometheus.Gauge
	ramUsed     prometheus.Gauge
	connUp      prometheus.Gauge
	reconnects  prometheus.Counter
}

func newInstruments(reg prometheus.Registerer) (*instruments, error) {
	c := &instruments{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Resolved shadow requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		samples: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_total",
				Help:      "Total number of metric snapshots taken",
			},
		),
		cpuUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cpu_usage_percent",
				Help:      "CPU usage of the last snapshot",
			},
		),
		cpuTemp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cpu_temperature_celsius",
				Help:      "CPU temperature of the last snapshot",
			},
		),
		ramUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ram_used_bytes",
				Help:      "Used RAM of the last snapshot",
			},
		),
		connUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_up",
				Help:      "1 while the broker connection is established",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of successful reconnects",
			},
		),
	}

	for _, col := range []prometheus.Collector{
		c.submissions, c.samples, c.cpuUsage, c.cpuTemp, c.ramUsed, c.connUp, c.reconnects,
	} {
		if err := reg.Register(col); err != nil {
			return nil, errors.New().Wrap(ErrRegisterFailed, err)
		}
	}

	return c, nil
}

func (c *instruments) ObserveSample(s sampler.Snapshot) {
	c.samples.Inc()
	c.cpuUsage.Set(s.CPUUsagePct)
	c.cpuTemp.Set(s.CPUTempCelsius)
	c.ramUsed.Set(float64(s.RAMUsedBytes))
}

func (c *instruments) ObserveOutcome(operation, status string) {
	c.submissions.WithLabelValues(operation, status).Inc()
}

func (c *instruments) SetConnected(up bool) {
	if up {
		c.connUp.Set(1)
		return
	}
	c.connUp.Set(0)
}

func (c *instruments) Reconnected() {
	c.reconnects.Inc()
}
