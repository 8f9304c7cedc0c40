package store

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	writes       prometheus.Counter
	writeErrors  prometheus.Counter
	epochUpserts prometheus.Counter
	pruned       prometheus.Counter
	deletes      prometheus.Counter
	groups       prometheus.Gauge
	epochs       prometheus.Gauge
}

// RegisterMetrics creates the engine's Prometheus collectors and registers
// them with reg. Call at most once per engine; without it the engine keeps
// no metrics. The group/epoch gauges refresh on each Stats call.
func (e *Engine) RegisterMetrics(reg *prometheus.Registry) error {
	m := &engineMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "writes_total", Help: "Write batches committed.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "write_errors_total", Help: "Write batches that failed.",
		}),
		epochUpserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "epoch_upserts_total", Help: "Epoch records written across all batches.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "epochs_pruned_total", Help: "Epoch records removed by pruning.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "group_deletes_total", Help: "Groups deleted.",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "groups", Help: "Groups with stored state, as of the last Stats call.",
		}),
		epochs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mls", Subsystem: "store",
			Name: "epochs", Help: "Epoch records stored, as of the last Stats call.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.writes, m.writeErrors, m.epochUpserts, m.pruned, m.deletes, m.groups, m.epochs,
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	e.mu.Lock()
	e.metrics = m
	e.mu.Unlock()
	return nil
}

func (m *engineMetrics) observeWrite(epochs int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.writeErrors.Inc()
		return
	}
	m.writes.Inc()
	m.epochUpserts.Add(float64(epochs))
}

func (m *engineMetrics) observePrune(removed int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(removed))
}

func (m *engineMetrics) observeDelete() {
	if m == nil {
		return
	}
	m.deletes.Inc()
}

func (m *engineMetrics) observeTotals(st Stats) {
	if m == nil {
		return
	}
	m.groups.Set(float64(st.Groups))
	m.epochs.Set(float64(st.Epochs))
}
