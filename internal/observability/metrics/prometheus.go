//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walcache"

// Prometheus exposes application metrics and can be injected into the service
// and stream transport layers. It implements both internal/service.Metrics and
// internal/transport/stream/kv.Metrics through method set compatibility,
// without importing those packages.
type Prometheus struct {
	reg prometheus.Registerer

	walAppendDuration   *prometheus.HistogramVec
	walAppendTotal      *prometheus.CounterVec
	walReplayRecords    *prometheus.GaugeVec
	walReplayDuration   *prometheus.GaugeVec
	connAcceptedTotal   *prometheus.CounterVec
	connActive          *prometheus.GaugeVec
	requestDuration     *prometheus.HistogramVec
	rejectedFramesTotal *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		reg: reg,
		walAppendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "append_duration_seconds",
				Help:      "Time to write and fsync one WAL record.",
				Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
			},
			[]string{"node_id", "op"},
		),
		walAppendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "append_total",
				Help:      "WAL appends by operation and result.",
			},
			[]string{"node_id", "op", "result"},
		),
		walReplayRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "replay_records",
				Help:      "Records applied by the last WAL replay.",
			},
			[]string{"node_id"},
		),
		walReplayDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "replay_duration_seconds",
				Help:      "Duration of the last WAL replay.",
			},
			[]string{"node_id"},
		),
		connAcceptedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections_accepted_total",
				Help:      "Client connections accepted.",
			},
			[]string{"node_id"},
		),
		connActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections_active",
				Help:      "Client connections currently open.",
			},
			[]string{"node_id"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Time to execute one client command, excluding network I/O.",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
			[]string{"node_id", "op", "result"},
		),
		rejectedFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "rejected_frames_total",
				Help:      "Request frames that closed their connection, by reason.",
			},
			[]string{"node_id", "reason"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.walAppendDuration); err != nil {
		return fmt.Errorf("register wal append duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.walAppendTotal); err != nil {
		return fmt.Errorf("register wal append counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.walReplayRecords); err != nil {
		return fmt.Errorf("register wal replay records gauge: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.walReplayDuration); err != nil {
		return fmt.Errorf("register wal replay duration gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.connAcceptedTotal); err != nil {
		return fmt.Errorf("register connections accepted counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.connActive); err != nil {
		return fmt.Errorf("register active connections gauge: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.requestDuration); err != nil {
		return fmt.Errorf("register request duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.rejectedFramesTotal); err != nil {
		return fmt.Errorf("register rejected frames counter: %w", err)
	}
	return nil
}

// RegisterStoreKeys exports the live key count, read from keys at scrape time.
func (m *Prometheus) RegisterStoreKeys(nodeID string, keys func() int64) error {
	g := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "keys",
			Help:        "Keys currently held in the store.",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		func() float64 { return float64(keys()) },
	)
	if err := m.reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("register store keys gauge: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) ObserveWALAppendDuration(nodeID, op string, d time.Duration, ok bool) {
	result := "error"
	if ok {
		result = "ok"
		m.walAppendDuration.WithLabelValues(nodeID, op).Observe(d.Seconds())
	}
	m.walAppendTotal.WithLabelValues(nodeID, op, result).Inc()
}

func (m *Prometheus) ObserveWALReplay(nodeID string, records int, d time.Duration) {
	if records < 0 {
		records = 0
	}
	m.walReplayRecords.WithLabelValues(nodeID).Set(float64(records))
	m.walReplayDuration.WithLabelValues(nodeID).Set(d.Seconds())
}

func (m *Prometheus) IncConnectionsAccepted(nodeID string) {
	m.connAcceptedTotal.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) AddActiveConnections(nodeID string, delta int) {
	m.connActive.WithLabelValues(nodeID).Add(float64(delta))
}

func (m *Prometheus) ObserveRequestDuration(nodeID, op, result string, d time.Duration) {
	m.requestDuration.WithLabelValues(nodeID, op, result).Observe(d.Seconds())
}

func (m *Prometheus) IncRejectedFrames(nodeID, reason string) {
	m.rejectedFramesTotal.WithLabelValues(nodeID, reason).Inc()
}
