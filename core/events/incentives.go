package events

import (
	"strconv"

	"github.com/holiman/uint256"

	"rewardsledger/core/types"
	"rewardsledger/crypto"
)

const (
	TypeRewardsAccrued         = "incentives.rewards.accrued"
	TypeRewardsClaimed         = "incentives.rewards.claimed"
	TypeClaimerSet             = "incentives.claimer.set"
	TypeAssetConfigUpdated     = "incentives.asset.config_updated"
	TypeAssetIndexUpdated      = "incentives.asset.index_updated"
	TypeUserIndexUpdated       = "incentives.user.index_updated"
	TypeDistributionEndUpdated = "incentives.distribution_end.updated"
)

// RewardsAccrued is emitted when a settlement credits a user.
type RewardsAccrued struct {
	User   crypto.Address
	Asset  crypto.Address
	Amount *uint256.Int
}

func (RewardsAccrued) EventType() string { return TypeRewardsAccrued }

func (e RewardsAccrued) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardsAccrued,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"asset":  e.Asset.String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// RewardsClaimed is emitted once a positive payout has been committed to the
// payout queue.
type RewardsClaimed struct {
	User    crypto.Address
	To      crypto.Address
	Claimer crypto.Address
	Amount  *uint256.Int
	Seq     uint64
}

func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

func (e RewardsClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardsClaimed,
		Attributes: map[string]string{
			"user":    e.User.String(),
			"to":      e.To.String(),
			"claimer": e.Claimer.String(),
			"amount":  formatAmount(e.Amount),
			"seq":     strconv.FormatUint(e.Seq, 10),
		},
	}
}

// ClaimerSet records a delegation change. An empty claimer means the
// delegation was cleared.
type ClaimerSet struct {
	User    crypto.Address
	Claimer crypto.Address
}

func (ClaimerSet) EventType() string { return TypeClaimerSet }

func (e ClaimerSet) Event() *types.Event {
	return &types.Event{
		Type: TypeClaimerSet,
		Attributes: map[string]string{
			"user":    e.User.String(),
			"claimer": e.Claimer.String(),
		},
	}
}

type AssetConfigUpdated struct {
	Asset             crypto.Address
	EmissionPerSecond *uint256.Int
}

func (AssetConfigUpdated) EventType() string { return TypeAssetConfigUpdated }

func (e AssetConfigUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetConfigUpdated,
		Attributes: map[string]string{
			"asset":             e.Asset.String(),
			"emissionPerSecond": formatAmount(e.EmissionPerSecond),
		},
	}
}

type AssetIndexUpdated struct {
	Asset     crypto.Address
	Index     *uint256.Int
	Timestamp uint64
}

func (AssetIndexUpdated) EventType() string { return TypeAssetIndexUpdated }

func (e AssetIndexUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetIndexUpdated,
		Attributes: map[string]string{
			"asset":     e.Asset.String(),
			"index":     formatAmount(e.Index),
			"timestamp": strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

type UserIndexUpdated struct {
	User  crypto.Address
	Asset crypto.Address
	Index *uint256.Int
}

func (UserIndexUpdated) EventType() string { return TypeUserIndexUpdated }

func (e UserIndexUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeUserIndexUpdated,
		Attributes: map[string]string{
			"user":  e.User.String(),
			"asset": e.Asset.String(),
			"index": formatAmount(e.Index),
		},
	}
}

type DistributionEndUpdated struct {
	End uint64
}

func (DistributionEndUpdated) EventType() string { return TypeDistributionEndUpdated }

func (e DistributionEndUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeDistributionEndUpdated,
		Attributes: map[string]string{
			"end": strconv.FormatUint(e.End, 10),
		},
	}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
