// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

var (
	_ kernel.InvokeHook   = &MetricsModule{}
	_ kernel.SubstateHook = &MetricsModule{}
	_ kernel.NodeHook     = &MetricsModule{}
	_ kernel.StoreHook    = &MetricsModule{}
	_ kernel.EventHook    = &MetricsModule{}
)

// MetricsModule exports kernel activity to prometheus. The collectors are
// registered once and shared by every transaction.
type MetricsModule struct {
	invocations   *prometheus.CounterVec
	callDepth     prometheus.Histogram
	locks         *prometheus.CounterVec
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	nodesCreated  *prometheus.CounterVec
	nodesDropped  prometheus.Counter
	storeAccesses *prometheus.CounterVec
	events        prometheus.Counter
}

func NewMetricsModule(namespace string, registerer prometheus.Registerer) (*MetricsModule, error) {
	m := &MetricsModule{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations",
			Help:      "Number of invocations by actor kind",
		}, []string{"kind"}),
		callDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_depth",
			Help:      "Depth of the frame making each invocation",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substate_locks",
			Help:      "Number of substate locks taken by mode",
		}, []string{"flags"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substate_bytes_read",
			Help:      "Bytes read through substate locks",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substate_bytes_written",
			Help:      "Bytes written through substate locks",
		}),
		nodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created",
			Help:      "Number of nodes created by entity type",
		}, []string{"entity"}),
		nodesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_dropped",
			Help:      "Number of heap nodes dropped",
		}),
		storeAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_accesses",
			Help:      "Number of store accesses by kind",
		}, []string{"kind"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events",
			Help:      "Number of events emitted",
		}),
	}
	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.invocations),
		registerer.Register(m.callDepth),
		registerer.Register(m.locks),
		registerer.Register(m.bytesRead),
		registerer.Register(m.bytesWritten),
		registerer.Register(m.nodesCreated),
		registerer.Register(m.nodesDropped),
		registerer.Register(m.storeAccesses),
		registerer.Register(m.events),
	)
	return m, errs.Err
}

func (m *MetricsModule) Name() string { return "metrics" }

func (m *MetricsModule) BeforeInvoke(v kernel.View, callee kernel.Actor, _ *substate.Value) error {
	m.invocations.WithLabelValues(callee.Kind.String()).Inc()
	m.callDepth.Observe(float64(v.Depth()))
	return nil
}

func (m *MetricsModule) BeforeLockSubstate(_ kernel.View, _ substate.Location, flags kernel.LockFlags) error {
	m.locks.WithLabelValues(flags.String()).Inc()
	return nil
}

func (m *MetricsModule) AfterLockSubstate(kernel.View, kernel.LockHandle, substate.Location, int) error {
	return nil
}

func (m *MetricsModule) OnReadSubstate(_ kernel.View, _ kernel.LockHandle, size int) error {
	m.bytesRead.Add(float64(size))
	return nil
}

func (m *MetricsModule) OnWriteSubstate(_ kernel.View, _ kernel.LockHandle, size int) error {
	m.bytesWritten.Add(float64(size))
	return nil
}

func (m *MetricsModule) OnCloseSubstate(kernel.View, kernel.LockHandle) error { return nil }

func (m *MetricsModule) OnCreateNode(_ kernel.View, id substate.NodeID, _ int) error {
	m.nodesCreated.WithLabelValues(id.EntityType().String()).Inc()
	return nil
}

func (m *MetricsModule) OnDropNode(kernel.View, substate.NodeID) error {
	m.nodesDropped.Inc()
	return nil
}

func (m *MetricsModule) OnStoreAccess(_ kernel.View, access track.StoreAccess) error {
	m.storeAccesses.WithLabelValues(access.Kind.String()).Inc()
	return nil
}

func (m *MetricsModule) OnEmitEvent(kernel.View, kernel.Event) error {
	m.events.Inc()
	return nil
}
