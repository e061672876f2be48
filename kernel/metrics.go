// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vatkernel"

type metrics struct {
	cranks         prometheus.Counter
	deliveries     *prometheus.CounterVec
	terminations   prometheus.Counter
	snapshots      prometheus.Counter
	replayed       prometheus.Counter
	runQueueLength prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		cranks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cranks",
			Help:      "Number of cranks executed",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries",
			Help:      "Number of deliveries made to vats, by delivery type",
		}, []string{"type"}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "vat_terminations",
			Help:      "Number of vats terminated",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots",
			Help:      "Number of vat heap snapshots saved",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replayed_deliveries",
			Help:      "Number of transcript entries replayed to bring vats online",
		}),
		runQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_queue_length",
			Help:      "Number of entries waiting on the run queue",
		}),
	}
	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.cranks),
		registerer.Register(m.deliveries),
		registerer.Register(m.terminations),
		registerer.Register(m.snapshots),
		registerer.Register(m.replayed),
		registerer.Register(m.runQueueLength),
	)
	return m, errs.Err
}
