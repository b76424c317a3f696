package incentives

import (
	"github.com/holiman/uint256"

	"rewardsledger/crypto"
)

// userLedger holds the per-(user, asset) snapshots and the per-user
// unclaimed balance, staged through a journal.
type userLedger struct {
	j  *journal
	fp FixedPoint
}

func (l userLedger) snapshot(user, asset crypto.Address) (*uint256.Int, bool, error) {
	return l.j.userIndex(user, asset)
}

func (l userLedger) setSnapshot(user, asset crypto.Address, index *uint256.Int) {
	l.j.putUserIndex(user, asset, index)
}

func (l userLedger) unclaimed(user crypto.Address) (*uint256.Int, error) {
	return l.j.unclaimed(user)
}

// credit adds amount to the user's unclaimed balance and returns the new
// balance.
func (l userLedger) credit(user crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	current, err := l.j.unclaimed(user)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return current, nil
	}
	next, err := l.fp.Add(current, amount)
	if err != nil {
		return nil, err
	}
	l.j.putUnclaimed(user, next)
	return next, nil
}

// debit removes amount from the user's unclaimed balance. Callers clamp the
// amount first; a debit above the balance is an internal error.
func (l userLedger) debit(user crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	current, err := l.j.unclaimed(user)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return current, nil
	}
	next, underflow := new(uint256.Int).SubOverflow(current, amount)
	if underflow {
		return nil, errDebitExceedsFund
	}
	l.j.putUnclaimed(user, next)
	return next, nil
}
