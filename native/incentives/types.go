package incentives

import (
	"github.com/holiman/uint256"

	"rewardsledger/crypto"
)

// AssetData is the distribution state of one incentivised asset.
type AssetData struct {
	// Index is the cumulative reward per unit of balance, scaled by
	// 10^precision. It never decreases.
	Index *uint256.Int
	// EmissionPerSecond is the asset-wide reward emitted per second, scaled
	// by 10^precision.
	EmissionPerSecond *uint256.Int
	// LastUpdateTimestamp is the unix time at which Index was last advanced.
	LastUpdateTimestamp uint64
}

// Clone returns a deep copy with nil amounts normalised to zero.
func (a *AssetData) Clone() *AssetData {
	if a == nil {
		return &AssetData{Index: new(uint256.Int), EmissionPerSecond: new(uint256.Int)}
	}
	return &AssetData{
		Index:               cloneInt(a.Index),
		EmissionPerSecond:   cloneInt(a.EmissionPerSecond),
		LastUpdateTimestamp: a.LastUpdateTimestamp,
	}
}

func (a *AssetData) equal(other *AssetData) bool {
	if a == nil || other == nil {
		return a == other
	}
	return orZero(a.Index).Eq(orZero(other.Index)) &&
		orZero(a.EmissionPerSecond).Eq(orZero(other.EmissionPerSecond)) &&
		a.LastUpdateTimestamp == other.LastUpdateTimestamp
}

// Payout is a transfer instruction for the host platform. The ledger only
// computes amounts; delivery happens through a Payer.
type Payout struct {
	// Seq is the monotonically increasing outbox sequence and doubles as an
	// idempotency key for payers.
	Seq       uint64
	Token     crypto.Address
	User      crypto.Address
	Claimer   crypto.Address
	To        crypto.Address
	Amount    *uint256.Int
	CreatedAt uint64
}

// Clone returns a deep copy of the payout.
func (p Payout) Clone() Payout {
	clone := p
	clone.Amount = cloneInt(p.Amount)
	return clone
}

// AssetRecord stages an asset state write.
type AssetRecord struct {
	Asset crypto.Address
	Data  *AssetData
}

// UserIndexRecord stages a user snapshot write.
type UserIndexRecord struct {
	User  crypto.Address
	Asset crypto.Address
	Index *uint256.Int
}

// RewardRecord stages a user's unclaimed balance.
type RewardRecord struct {
	User      crypto.Address
	Unclaimed *uint256.Int
}

// ClaimerRecord stages a delegation entry. A zero Claimer clears it.
type ClaimerRecord struct {
	User    crypto.Address
	Claimer crypto.Address
}

// Position is the post-event balance of a user and the total supply of the
// asset, reported by the asset with the action that produced it.
type Position struct {
	Balance     *uint256.Int
	TotalSupply *uint256.Int
	// Sequence is assigned by the asset and must grow with every report.
	Sequence uint64
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	return Position{Balance: cloneInt(p.Balance), TotalSupply: cloneInt(p.TotalSupply), Sequence: p.Sequence}
}

// PositionRecord stages a position report.
type PositionRecord struct {
	Asset crypto.Address
	User  crypto.Address
	Position
}

// Changeset is the complete write set of one controller operation. State
// implementations must apply it atomically.
type Changeset struct {
	Assets          []AssetRecord
	UserIndexes     []UserIndexRecord
	Rewards         []RewardRecord
	Claimers        []ClaimerRecord
	Positions       []PositionRecord
	Payouts         []Payout
	PayoutSequence  *uint64
	DistributionEnd *uint64
}

// Empty reports whether the changeset carries no writes.
func (c *Changeset) Empty() bool {
	if c == nil {
		return true
	}
	return len(c.Assets) == 0 && len(c.UserIndexes) == 0 && len(c.Rewards) == 0 &&
		len(c.Claimers) == 0 && len(c.Positions) == 0 && len(c.Payouts) == 0 && c.PayoutSequence == nil && c.DistributionEnd == nil
}
