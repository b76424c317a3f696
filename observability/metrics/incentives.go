package metrics

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type IncentivesMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	accrued        *prometheus.CounterVec
	claimed        prometheus.Counter
	indexAdvances  *prometheus.CounterVec
	payoutsPending prometheus.Gauge
	payoutFailures prometheus.Counter
}

var (
	incentivesOnce     sync.Once
	incentivesRegistry *IncentivesMetrics
)

func Incentives() *IncentivesMetrics {
	incentivesOnce.Do(func() {
		incentivesRegistry = &IncentivesMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "incentives_operations_total",
				Help: "Count of controller operations by name and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "incentives_operation_duration_seconds",
				Help:    "Latency of controller operations including the store commit.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			accrued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "incentives_rewards_accrued_total",
				Help: "Reward units credited to users by settlement, per asset.",
			}, []string{"asset"}),
			claimed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "incentives_rewards_claimed_total",
				Help: "Reward units queued for payout by claims.",
			}),
			indexAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "incentives_index_advances_total",
				Help: "Number of times an asset index moved.",
			}, []string{"asset"}),
			payoutsPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "incentives_payouts_pending",
				Help: "Payouts committed to the outbox and not yet acknowledged.",
			}),
			payoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "incentives_payout_failures_total",
				Help: "Payout deliveries that failed and will be retried.",
			}),
		}
		prometheus.MustRegister(
			incentivesRegistry.operations,
			incentivesRegistry.latency,
			incentivesRegistry.accrued,
			incentivesRegistry.claimed,
			incentivesRegistry.indexAdvances,
			incentivesRegistry.payoutsPending,
			incentivesRegistry.payoutFailures,
		)
	})
	return incentivesRegistry
}

// ObserveOperation records the outcome and latency of one controller call.
func (m *IncentivesMetrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *IncentivesMetrics) ObserveAccrued(asset string, amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.accrued.WithLabelValues(asset).Add(amount.Float64())
}

func (m *IncentivesMetrics) ObserveClaimed(amount *uint256.Int) {
	if m == nil || amount == nil || amount.IsZero() {
		return
	}
	m.claimed.Add(amount.Float64())
}

func (m *IncentivesMetrics) ObserveIndexAdvance(asset string) {
	if m == nil {
		return
	}
	m.indexAdvances.WithLabelValues(asset).Inc()
}

func (m *IncentivesMetrics) SetPayoutsPending(count int) {
	if m == nil {
		return
	}
	m.payoutsPending.Set(float64(count))
}

func (m *IncentivesMetrics) ObservePayoutFailure() {
	if m == nil {
		return
	}
	m.payoutFailures.Inc()
}
