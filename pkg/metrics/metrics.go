// Package metrics exposes per-RPC-instance telemetry (spec §6:
// "retransmit count, still-in-wheel count, per-session Timely rate,
// avg RX/TX batch") as Prometheus collectors, generalizing the
// teacher's pkg/metrics.MessagingMetrics (a Gauge + a Summary) and
// internal/metrics.Recorder (Counter/Counter/Summary) into the
// counter/gauge/summary set this engine needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RpcMetrics records telemetry for one RPC instance. instance should
// be a stable per-instance label (e.g. "rpc-<id>") so multiple
// same-process instances don't collide in the default registry.
type RpcMetrics struct {
	Retransmits         prometheus.Counter
	StillInWheelDuringRetx prometheus.Counter
	RxBatchSize         prometheus.Summary
	TxBatchSize         prometheus.Summary
	ActiveSessions      prometheus.Gauge
	SessionRate         *prometheus.GaugeVec // labeled by session_num
}

// New constructs an RpcMetrics registered under the given instance
// label.
func New(instance string) *RpcMetrics {
	return &RpcMetrics{
		Retransmits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "erpc",
			Name:        "retransmits_total",
			Help:        "Number of retransmissions triggered by RTO expiry or by a received NACK.",
			ConstLabels: prometheus.Labels{"instance": instance},
		}),
		StillInWheelDuringRetx: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "erpc",
			Name:        "still_in_wheel_during_retx_total",
			Help:        "Number of times a retransmit fired for a packet still parked in the pacing wheel.",
			ConstLabels: prometheus.Labels{"instance": instance},
		}),
		RxBatchSize: promauto.NewSummary(prometheus.SummaryOpts{
			Namespace:   "erpc",
			Name:        "rx_batch_size",
			Help:        "Distribution of RX burst sizes drained per event-loop turn.",
			ConstLabels: prometheus.Labels{"instance": instance},
		}),
		TxBatchSize: promauto.NewSummary(prometheus.SummaryOpts{
			Namespace:   "erpc",
			Name:        "tx_batch_size",
			Help:        "Distribution of TX burst sizes flushed per event-loop turn.",
			ConstLabels: prometheus.Labels{"instance": instance},
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "erpc",
			Name:        "active_sessions",
			Help:        "Number of sessions currently in the Connected state.",
			ConstLabels: prometheus.Labels{"instance": instance},
		}),
		SessionRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "erpc",
			Name:        "session_timely_rate_bytes_per_sec",
			Help:        "Current Timely target rate for a session.",
			ConstLabels: prometheus.Labels{"instance": instance},
		}, []string{"session_num"}),
	}
}
