package incentives

import (
	"context"
	"sync"

	"github.com/holiman/uint256"

	"rewardsledger/crypto"
)

// Params are fixed when the controller is constructed and exposed for
// compatibility with earlier ledger versions.
type Params struct {
	// RewardToken identifies the asset paid out on claims.
	RewardToken crypto.Address
	// Precision is the number of decimals of every index and emission rate.
	// Zero selects DefaultPrecision.
	Precision uint8
}

// State is the persistence boundary of the controller. Getters return zero
// values for unknown keys. Apply must commit the whole changeset or nothing.
type State interface {
	GetAssetData(asset crypto.Address) (*AssetData, error)
	GetUserAssetIndex(user, asset crypto.Address) (*uint256.Int, bool, error)
	GetUnclaimedRewards(user crypto.Address) (*uint256.Int, error)
	GetClaimer(user crypto.Address) (crypto.Address, error)
	GetDistributionEnd() (uint64, error)
	GetPayoutSequence() (uint64, error)
	// GetPositionSequence returns the sequence of the last position report
	// recorded for asset, zero when none was.
	GetPositionSequence(asset crypto.Address) (uint64, error)
	Apply(changes *Changeset) error
}

// Authorizer decides which callers hold the configuration capability.
type Authorizer interface {
	IsAdmin(caller crypto.Address) bool
}

// AuthorizerFunc adapts a predicate to the Authorizer interface.
type AuthorizerFunc func(caller crypto.Address) bool

func (f AuthorizerFunc) IsAdmin(caller crypto.Address) bool {
	if f == nil {
		return false
	}
	return f(caller)
}

// RoleTable is an Authorizer backed by an explicit admin set.
type RoleTable struct {
	mu     sync.RWMutex
	admins map[string]struct{}
}

// NewRoleTable seeds the table with the supplied admins.
func NewRoleTable(admins ...crypto.Address) *RoleTable {
	table := &RoleTable{admins: make(map[string]struct{}, len(admins))}
	for _, admin := range admins {
		table.Grant(admin)
	}
	return table
}

// Grant adds an admin. Zero addresses are ignored.
func (t *RoleTable) Grant(admin crypto.Address) {
	if t == nil || admin.IsZero() {
		return
	}
	t.mu.Lock()
	t.admins[admin.Key()] = struct{}{}
	t.mu.Unlock()
}

func (t *RoleTable) IsAdmin(caller crypto.Address) bool {
	if t == nil || caller.IsZero() {
		return false
	}
	t.mu.RLock()
	_, ok := t.admins[caller.Key()]
	t.mu.RUnlock()
	return ok
}

// BalanceSource reports a user's balance and the total supply of an asset as
// seen by the asset collaborator. Claims and reward simulations use it to
// settle against the current index.
type BalanceSource interface {
	UserBalanceAndSupply(ctx context.Context, asset, user crypto.Address) (balance, supply *uint256.Int, err error)
}

// Payer hands a payout to the host platform's transfer primitive.
// Implementations must be idempotent on Payout.Seq: the relay delivers at
// least once.
type Payer interface {
	PayReward(ctx context.Context, payout Payout) error
}
