package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics aggregates the counters and gauges exported by the vault
// daemon. All helpers tolerate a nil receiver so instrumentation can be
// optional in tests.
type ProtocolMetrics struct {
	operations     *prometheus.CounterVec
	liquidations   *prometheus.CounterVec
	redemptions    prometheus.Counter
	redeemedAmount prometheus.Counter
	mode           prometheus.Gauge
	pendingOut     prometheus.Gauge
	flaggedOut     prometheus.Gauge
	rpcDuration    *prometheus.HistogramVec
}

var (
	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics
)

// Protocol returns the process-wide metrics registry, creating it on first use.
func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_operations_total",
				Help: "Count of vault ledger operations by kind and result.",
			}, []string{"op", "result"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_liquidations_total",
				Help: "Count of completed liquidations by kind.",
			}, []string{"kind"}),
			redemptions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_redemptions_total",
				Help: "Count of completed redemptions.",
			}),
			redeemedAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_redeemed_stable_total",
				Help: "Cumulative stable value redeemed, in base units.",
			}),
			mode: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_protocol_mode",
				Help: "Current protocol mode: 0 available, 1 recovery, 2 read-only.",
			}),
			pendingOut: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_outbound_pending",
				Help: "Outbound transfers awaiting confirmation.",
			}),
			flaggedOut: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_outbound_flagged",
				Help: "Outbound transfers flagged for operator attention.",
			}),
			rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rpc_request_duration_seconds",
				Help:    "RPC handler latency by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			protocolRegistry.operations,
			protocolRegistry.liquidations,
			protocolRegistry.redemptions,
			protocolRegistry.redeemedAmount,
			protocolRegistry.mode,
			protocolRegistry.pendingOut,
			protocolRegistry.flaggedOut,
			protocolRegistry.rpcDuration,
		)
	})
	return protocolRegistry
}

// ObserveOperation records the outcome of a vault operation.
func (m *ProtocolMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// ObserveLiquidation counts one completed liquidation of the given kind.
func (m *ProtocolMetrics) ObserveLiquidation(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.liquidations.WithLabelValues(kind).Inc()
}

// ObserveRedemption counts a completed redemption and its redeemed value.
func (m *ProtocolMetrics) ObserveRedemption(redeemed float64) {
	if m == nil {
		return
	}
	m.redemptions.Inc()
	if redeemed > 0 {
		m.redeemedAmount.Add(redeemed)
	}
}

// SetMode publishes the current protocol mode.
func (m *ProtocolMetrics) SetMode(mode int) {
	if m == nil {
		return
	}
	m.mode.Set(float64(mode))
}

// SetOutboundDepth publishes the outbound transfer queue depths.
func (m *ProtocolMetrics) SetOutboundDepth(pending, flagged int) {
	if m == nil {
		return
	}
	m.pendingOut.Set(float64(pending))
	m.flaggedOut.Set(float64(flagged))
}

// ObserveRPC records one RPC request.
func (m *ProtocolMetrics) ObserveRPC(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcDuration.WithLabelValues(route, status).Observe(elapsed.Seconds())
}
