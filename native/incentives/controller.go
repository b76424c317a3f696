package incentives

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rewardsledger/core/events"
	"rewardsledger/crypto"
	"rewardsledger/observability/metrics"
)

const tracerName = "rewardsledger/native/incentives"

// Controller owns the incentives ledger. Every mutation runs under an
// exclusive lock, is staged in a journal and reaches State as one atomic
// Changeset. Events are emitted only after the commit succeeds, outside the
// lock and in commit order.
type Controller struct {
	mu sync.RWMutex

	// emitTicket is guarded by mu; emitTurn by emitMu.
	emitMu     sync.Mutex
	emitCond   *sync.Cond
	emitTicket uint64
	emitTurn   uint64

	state    State
	params   Params
	fp       FixedPoint
	auth     Authorizer
	balances BalanceSource
	emitter  events.Emitter
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.IncentivesMetrics
	tracer   trace.Tracer
}

// ControllerOption customises the controller instance.
type ControllerOption func(*Controller)

// WithAuthorizer supplies the admin capability check. Without one every
// admin operation is rejected.
func WithAuthorizer(auth Authorizer) ControllerOption {
	return func(c *Controller) { c.auth = auth }
}

// WithBalanceSource supplies the balances used by claims and simulations.
func WithBalanceSource(source BalanceSource) ControllerOption {
	return func(c *Controller) { c.balances = source }
}

// WithEmitter routes committed events to the supplied sink.
func WithEmitter(emitter events.Emitter) ControllerOption {
	return func(c *Controller) { c.emitter = emitter }
}

// WithClock overrides the wall clock used to timestamp accrual.
func WithClock(clock clockwork.Clock) ControllerOption {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// NewController constructs the controller over state. The reward token and
// precision are fixed for the controller's lifetime.
func NewController(state State, params Params, opts ...ControllerOption) (*Controller, error) {
	if state == nil {
		return nil, errNilState
	}
	if params.Precision == 0 {
		params.Precision = DefaultPrecision
	}
	fp, err := NewFixedPoint(params.Precision)
	if err != nil {
		return nil, err
	}
	if params.RewardToken.IsZero() {
		return nil, fmt.Errorf("%w: reward token", ErrInvalidAddress)
	}
	c := &Controller{
		state:   state,
		params:  params,
		fp:      fp,
		auth:    AuthorizerFunc(nil),
		emitter: events.NoopEmitter{},
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		metrics: metrics.Incentives(),
		tracer:  otel.Tracer(tracerName),
	}
	c.emitCond = sync.NewCond(&c.emitMu)
	for _, opt := range opts {
		opt(c)
	}
	if c.auth == nil {
		c.auth = AuthorizerFunc(nil)
	}
	if c.emitter == nil {
		c.emitter = events.NoopEmitter{}
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// RewardToken returns the asset paid out on claims.
func (c *Controller) RewardToken() crypto.Address { return c.params.RewardToken }

// Precision returns the decimal precision of indices and emission rates.
func (c *Controller) Precision() uint8 { return c.fp.Precision() }

func (c *Controller) now() uint64 {
	unix := c.clock.Now().Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix)
}

func (c *Controller) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := c.tracer.Start(ctx, "incentives."+operation, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.WarnContext(ctx, "incentives operation failed", "operation", operation, "error", err)
		}
		span.End()
		c.metrics.ObserveOperation(operation, err, time.Since(start))
	}
}

func (c *Controller) requireAdmin(caller crypto.Address) error {
	if !c.auth.IsAdmin(caller) {
		return fmt.Errorf("%w: %s lacks admin capability", ErrUnauthorized, caller)
	}
	return nil
}

func (c *Controller) emit(pending []events.Event) {
	for _, evt := range pending {
		switch e := evt.(type) {
		case events.AssetIndexUpdated:
			c.metrics.ObserveIndexAdvance(e.Asset.String())
		case events.RewardsAccrued:
			c.metrics.ObserveAccrued(e.Asset.String(), e.Amount)
		}
		c.emitter.Emit(evt)
	}
}

// mutate runs fn against a fresh journal under the ledger lock and commits
// the staged writes. Each commit takes a ticket; events are emitted after
// the ledger lock is released, once every earlier ticket has emitted.
func (c *Controller) mutate(what string, fn func(j *journal) ([]events.Event, error)) error {
	c.mu.Lock()
	j := newJournal(c.state)
	pending, err := fn(j)
	if err == nil {
		if err = j.commit(); err != nil {
			err = fmt.Errorf("incentives: commit %s: %w", what, err)
		}
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ticket := c.emitTicket
	c.emitTicket++
	c.mu.Unlock()

	c.emitMu.Lock()
	for c.emitTurn != ticket {
		c.emitCond.Wait()
	}
	c.emitMu.Unlock()

	c.emit(pending)

	c.emitMu.Lock()
	c.emitTurn++
	c.emitCond.Broadcast()
	c.emitMu.Unlock()
	return nil
}

// ConfigureAssets sets the emission rate of each asset. Every asset is first
// advanced to now with its previous rate and the supplied total supply so the
// elapsed interval is never priced at the new rate.
func (c *Controller) ConfigureAssets(ctx context.Context, caller crypto.Address, assets []crypto.Address, emissions, totalSupplies []*uint256.Int) (err error) {
	ctx, done := c.begin(ctx, "ConfigureAssets", attribute.Int("assets", len(assets)))
	defer func() { done(err) }()

	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if len(assets) != len(emissions) || len(assets) != len(totalSupplies) {
		return fmt.Errorf("%w: %d assets, %d emissions, %d supplies", ErrLengthMismatch, len(assets), len(emissions), len(totalSupplies))
	}

	err = c.mutate("asset configuration", func(j *journal) ([]events.Event, error) {
		now := c.now()
		end, err := j.getDistributionEnd()
		if err != nil {
			return nil, err
		}
		var pending []events.Event
		for i, asset := range assets {
			if asset.IsZero() {
				return nil, fmt.Errorf("%w: asset %d", ErrInvalidAddress, i)
			}
			if emissions[i] == nil || totalSupplies[i] == nil {
				return nil, fmt.Errorf("%w: asset %s", ErrInvalidAmount, asset)
			}
			data, err := j.asset(asset)
			if err != nil {
				return nil, err
			}
			changed, err := AdvanceIndex(c.fp, data, totalSupplies[i], now, end)
			if err != nil {
				return nil, fmt.Errorf("advance %s: %w", asset, err)
			}
			data.EmissionPerSecond = cloneInt(emissions[i])
			j.putAsset(asset, data)
			if changed {
				pending = append(pending, events.AssetIndexUpdated{Asset: asset, Index: cloneInt(data.Index), Timestamp: data.LastUpdateTimestamp})
			}
			pending = append(pending, events.AssetConfigUpdated{Asset: asset, EmissionPerSecond: cloneInt(emissions[i])})
		}
		return pending, nil
	})
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "incentives assets configured", "count", len(assets))
	return nil
}

// HandleAction is invoked by an asset before it applies a balance-changing
// event. userBalance and totalSupply are the pre-event values. It returns the
// reward credited to user by this settlement.
func (c *Controller) HandleAction(ctx context.Context, asset, user crypto.Address, userBalance, totalSupply *uint256.Int) (*uint256.Int, error) {
	return c.handleAction(ctx, asset, user, userBalance, totalSupply, nil)
}

// HandleActionWithPosition is HandleAction for assets that also report the
// post-event position. The position is stored in the same commit as the
// settlement and later feeds the BalanceSource of claims. Reports whose
// sequence is not newer than the asset's last one fail with ErrStalePosition
// and leave the ledger untouched.
func (c *Controller) HandleActionWithPosition(ctx context.Context, asset, user crypto.Address, userBalance, totalSupply *uint256.Int, position Position) (*uint256.Int, error) {
	return c.handleAction(ctx, asset, user, userBalance, totalSupply, &position)
}

func (c *Controller) handleAction(ctx context.Context, asset, user crypto.Address, userBalance, totalSupply *uint256.Int, position *Position) (accrued *uint256.Int, err error) {
	_, done := c.begin(ctx, "HandleAction", attribute.String("asset", asset.String()))
	defer func() { done(err) }()

	if asset.IsZero() || user.IsZero() {
		return nil, ErrInvalidAddress
	}
	if userBalance == nil || totalSupply == nil {
		return nil, ErrInvalidAmount
	}
	if position != nil {
		if position.Balance == nil || position.TotalSupply == nil {
			return nil, fmt.Errorf("%w: position", ErrInvalidAmount)
		}
		if position.Balance.Gt(position.TotalSupply) {
			return nil, fmt.Errorf("%w: position balance %s exceeds supply %s", ErrInvalidAmount, position.Balance.Dec(), position.TotalSupply.Dec())
		}
	}

	err = c.mutate("action", func(j *journal) ([]events.Event, error) {
		end, err := j.getDistributionEnd()
		if err != nil {
			return nil, err
		}
		reward, pending, err := c.settleAsset(j, asset, user, userBalance, totalSupply, c.now(), end)
		if err != nil {
			return nil, err
		}
		if position != nil {
			if err := j.stagePosition(asset, user, *position); err != nil {
				return nil, err
			}
		}
		accrued = reward
		return pending, nil
	})
	if err != nil {
		return nil, err
	}
	return accrued, nil
}

// settleAsset advances asset to now using supply, then settles user at
// balance against the advanced index. All writes land in j.
func (c *Controller) settleAsset(j *journal, asset, user crypto.Address, balance, supply *uint256.Int, now, end uint64) (*uint256.Int, []events.Event, error) {
	data, err := j.asset(asset)
	if err != nil {
		return nil, nil, err
	}
	original := data.Clone()
	before := cloneInt(data.Index)
	changed, err := AdvanceIndex(c.fp, data, supply, now, end)
	if err != nil {
		return nil, nil, fmt.Errorf("advance %s: %w", asset, err)
	}
	var pending []events.Event
	if !data.equal(original) {
		j.putAsset(asset, data)
	}
	if changed {
		pending = append(pending, events.AssetIndexUpdated{Asset: asset, Index: cloneInt(data.Index), Timestamp: data.LastUpdateTimestamp})
	}

	ledger := userLedger{j: j, fp: c.fp}
	snapshot, hasSnapshot, err := ledger.snapshot(user, asset)
	if err != nil {
		return nil, nil, err
	}
	reward, err := SettleUser(c.fp, snapshot, hasSnapshot, balance, before, data.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("settle %s on %s: %w", user, asset, err)
	}
	if _, err := ledger.credit(user, reward); err != nil {
		return nil, nil, fmt.Errorf("credit %s: %w", user, err)
	}
	if !hasSnapshot || snapshot.Lt(data.Index) {
		ledger.setSnapshot(user, asset, data.Index)
		pending = append(pending, events.UserIndexUpdated{User: user, Asset: asset, Index: cloneInt(data.Index)})
	}
	if !reward.IsZero() {
		pending = append(pending, events.RewardsAccrued{User: user, Asset: asset, Amount: cloneInt(reward)})
	}
	return reward, pending, nil
}

// settleAll settles user on every asset using the configured balance source.
func (c *Controller) settleAll(ctx context.Context, j *journal, assets []crypto.Address, user crypto.Address, now uint64) ([]events.Event, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	if c.balances == nil {
		return nil, errNoBalanceSource
	}
	end, err := j.getDistributionEnd()
	if err != nil {
		return nil, err
	}
	var pending []events.Event
	for _, asset := range assets {
		if asset.IsZero() {
			return nil, fmt.Errorf("%w: asset", ErrInvalidAddress)
		}
		balance, supply, err := c.balances.UserBalanceAndSupply(ctx, asset, user)
		if err != nil {
			return nil, fmt.Errorf("incentives: balance of %s on %s: %w", user, asset, err)
		}
		_, evts, err := c.settleAsset(j, asset, user, orZero(balance), orZero(supply), now, end)
		if err != nil {
			return nil, err
		}
		pending = append(pending, evts...)
	}
	return pending, nil
}

// GetRewardsBalance returns the user's stored unclaimed rewards plus what
// settling every listed asset now would add. The settlement runs on a
// throwaway journal, so the figure equals what an immediate claim would see.
func (c *Controller) GetRewardsBalance(ctx context.Context, assets []crypto.Address, user crypto.Address) (total *uint256.Int, err error) {
	ctx, done := c.begin(ctx, "GetRewardsBalance", attribute.Int("assets", len(assets)))
	defer func() { done(err) }()

	c.mu.RLock()
	defer c.mu.RUnlock()

	j := newJournal(c.state)
	if _, err := c.settleAll(ctx, j, assets, user, c.now()); err != nil {
		return nil, err
	}
	return j.unclaimed(user)
}

// ClaimRewards settles caller on assets and queues a payout of
// min(amount, unclaimed) to to. It returns the amount queued.
func (c *Controller) ClaimRewards(ctx context.Context, caller crypto.Address, assets []crypto.Address, amount *uint256.Int, to crypto.Address) (*uint256.Int, error) {
	return c.claim(ctx, "ClaimRewards", caller, caller, false, assets, amount, to)
}

// ClaimRewardsToSelf claims on the caller's behalf and pays the caller.
func (c *Controller) ClaimRewardsToSelf(ctx context.Context, caller crypto.Address, assets []crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	return c.claim(ctx, "ClaimRewardsToSelf", caller, caller, false, assets, amount, caller)
}

// ClaimRewardsOnBehalf claims user's rewards for the registered claimer.
func (c *Controller) ClaimRewardsOnBehalf(ctx context.Context, caller crypto.Address, assets []crypto.Address, amount *uint256.Int, user, to crypto.Address) (*uint256.Int, error) {
	return c.claim(ctx, "ClaimRewardsOnBehalf", caller, user, true, assets, amount, to)
}

func (c *Controller) claim(ctx context.Context, operation string, caller, user crypto.Address, onBehalf bool, assets []crypto.Address, amount *uint256.Int, to crypto.Address) (paid *uint256.Int, err error) {
	ctx, done := c.begin(ctx, operation, attribute.Int("assets", len(assets)))
	defer func() { done(err) }()

	if user.IsZero() {
		return nil, fmt.Errorf("%w: user", ErrInvalidAddress)
	}

	var payout Payout
	err = c.mutate("claim", func(j *journal) ([]events.Event, error) {
		if onBehalf {
			if err := (claimAuthorization{j: j}).authorizeOnBehalf(user, caller); err != nil {
				return nil, err
			}
		}
		if to.IsZero() {
			return nil, fmt.Errorf("%w: recipient", ErrInvalidAddress)
		}
		if amount == nil {
			return nil, ErrInvalidAmount
		}
		if amount.IsZero() {
			paid = new(uint256.Int)
			return nil, nil
		}

		now := c.now()
		pending, err := c.settleAll(ctx, j, assets, user, now)
		if err != nil {
			return nil, err
		}
		ledger := userLedger{j: j, fp: c.fp}
		unclaimed, err := ledger.unclaimed(user)
		if err != nil {
			return nil, err
		}
		paid = minInt(amount, unclaimed)
		if paid.IsZero() {
			return pending, nil
		}
		if _, err := ledger.debit(user, paid); err != nil {
			return nil, err
		}
		payout, err = j.enqueuePayout(Payout{
			Token:     c.params.RewardToken,
			User:      user,
			Claimer:   caller,
			To:        to,
			Amount:    cloneInt(paid),
			CreatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		return append(pending, events.RewardsClaimed{User: user, To: to, Claimer: caller, Amount: cloneInt(paid), Seq: payout.Seq}), nil
	})
	if err != nil {
		return nil, err
	}
	if !paid.IsZero() {
		c.metrics.ObserveClaimed(paid)
		c.logger.InfoContext(ctx, "incentives rewards claimed",
			"user", user.String(), "to", to.String(), "amount", paid.Dec(), "seq", payout.Seq)
	}
	return paid, nil
}

// SetClaimer registers claimer as allowed to claim on user's behalf. A zero
// claimer clears the delegation.
func (c *Controller) SetClaimer(ctx context.Context, caller, user, claimer crypto.Address) (err error) {
	ctx, done := c.begin(ctx, "SetClaimer")
	defer func() { done(err) }()

	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if user.IsZero() {
		return fmt.Errorf("%w: user", ErrInvalidAddress)
	}

	err = c.mutate("claimer", func(j *journal) ([]events.Event, error) {
		(claimAuthorization{j: j}).set(user, claimer)
		return []events.Event{events.ClaimerSet{User: user, Claimer: claimer}}, nil
	})
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "incentives claimer set", "user", user.String(), "claimer", claimer.String())
	return nil
}

// SetDistributionEnd stops accrual at end for every asset. Zero removes the
// limit. The new end applies from each asset's last update onwards: an
// asset left idle past an old end accrues that gap once the end is raised
// or removed, while an asset advanced after the old end has already moved
// its timestamp and does not.
func (c *Controller) SetDistributionEnd(ctx context.Context, caller crypto.Address, end uint64) (err error) {
	ctx, done := c.begin(ctx, "SetDistributionEnd")
	defer func() { done(err) }()

	if err := c.requireAdmin(caller); err != nil {
		return err
	}

	err = c.mutate("distribution end", func(j *journal) ([]events.Event, error) {
		j.putDistributionEnd(end)
		return []events.Event{events.DistributionEndUpdated{End: end}}, nil
	})
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "incentives distribution end updated", "end", end)
	return nil
}

// GetAssetData returns the stored distribution state of asset.
func (c *Controller) GetAssetData(asset crypto.Address) (*AssetData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := c.state.GetAssetData(asset)
	if err != nil {
		return nil, err
	}
	return data.Clone(), nil
}

// GetUserAssetData returns the user's stored index snapshot for asset, zero
// when the user never interacted with it.
func (c *Controller) GetUserAssetData(user, asset crypto.Address) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	index, _, err := c.state.GetUserAssetIndex(user, asset)
	if err != nil {
		return nil, err
	}
	return cloneInt(index), nil
}

// GetUserUnclaimedRewards returns the stored unclaimed balance without
// settling anything.
func (c *Controller) GetUserUnclaimedRewards(user crypto.Address) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, err := c.state.GetUnclaimedRewards(user)
	if err != nil {
		return nil, err
	}
	return cloneInt(value), nil
}

// GetClaimer returns the delegate of user, zero when unset.
func (c *Controller) GetClaimer(user crypto.Address) (crypto.Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GetClaimer(user)
}

// GetDistributionEnd returns the accrual end timestamp, zero when unlimited.
func (c *Controller) GetDistributionEnd() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GetDistributionEnd()
}
