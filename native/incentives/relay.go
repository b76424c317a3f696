package incentives

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"rewardsledger/observability/metrics"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 64
)

// PayoutOutbox exposes the committed payouts awaiting delivery in sequence
// order. AckPayouts marks every payout up to and including upTo delivered.
// PendingPayoutCount reports the whole backlog, not just one batch.
type PayoutOutbox interface {
	PendingPayouts(limit int) ([]Payout, error)
	AckPayouts(upTo uint64) error
	PendingPayoutCount() (uint64, error)
}

// PayoutRelay delivers committed payouts to a Payer. Delivery is at least
// once; the payer deduplicates on Payout.Seq.
type PayoutRelay struct {
	outbox   PayoutOutbox
	payer    Payer
	clock    clockwork.Clock
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.IncentivesMetrics
}

// RelayOption customises the relay instance.
type RelayOption func(*PayoutRelay)

// WithRelayInterval configures the polling cadence.
func WithRelayInterval(interval time.Duration) RelayOption {
	return func(r *PayoutRelay) { r.interval = interval }
}

// WithRelayBatch limits how many payouts a single flush delivers.
func WithRelayBatch(n int) RelayOption {
	return func(r *PayoutRelay) { r.batch = n }
}

// WithRelayClock overrides the ticker source.
func WithRelayClock(clock clockwork.Clock) RelayOption {
	return func(r *PayoutRelay) { r.clock = clock }
}

// WithRelayLogger overrides the structured logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *PayoutRelay) { r.logger = logger }
}

// NewPayoutRelay wires an outbox to a payer.
func NewPayoutRelay(outbox PayoutOutbox, payer Payer, opts ...RelayOption) (*PayoutRelay, error) {
	if outbox == nil {
		return nil, errors.New("incentives: payout outbox required")
	}
	if payer == nil {
		return nil, errors.New("incentives: payer required")
	}
	r := &PayoutRelay{
		outbox:   outbox,
		payer:    payer,
		clock:    clockwork.NewRealClock(),
		interval: defaultRelayInterval,
		batch:    defaultRelayBatch,
		logger:   slog.Default(),
		metrics:  metrics.Incentives(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = defaultRelayInterval
	}
	if r.batch <= 0 {
		r.batch = defaultRelayBatch
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Flush delivers one batch of pending payouts in order and returns how many
// were acknowledged. Delivery stops at the first failure so the sequence
// never develops gaps.
func (r *PayoutRelay) Flush(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingPayouts(r.batch)
	if err != nil {
		return 0, fmt.Errorf("incentives: load pending payouts: %w", err)
	}
	delivered := 0
	var deliveryErr error
	for _, payout := range pending {
		if err := ctx.Err(); err != nil {
			deliveryErr = err
			break
		}
		if err := r.payer.PayReward(ctx, payout.Clone()); err != nil {
			r.metrics.ObservePayoutFailure()
			deliveryErr = fmt.Errorf("incentives: deliver payout %d: %w", payout.Seq, err)
			break
		}
		delivered++
	}
	if delivered > 0 {
		if err := r.outbox.AckPayouts(pending[delivered-1].Seq); err != nil {
			return 0, fmt.Errorf("incentives: ack payouts: %w", err)
		}
	}
	if backlog, err := r.outbox.PendingPayoutCount(); err == nil {
		r.metrics.SetPayoutsPending(int(backlog))
	} else {
		r.logger.WarnContext(ctx, "payout backlog unavailable", "error", err)
	}
	return delivered, deliveryErr
}

// Run flushes on every tick until ctx is cancelled.
func (r *PayoutRelay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.WarnContext(ctx, "payout relay flush failed", "error", err, "delivered", n)
		} else if n > 0 {
			r.logger.InfoContext(ctx, "payout relay delivered payouts", "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
