package incentives

import (
	"fmt"

	"rewardsledger/crypto"
)

// claimAuthorization is the delegation table user -> claimer.
type claimAuthorization struct {
	j *journal
}

// set overwrites the delegation. A zero claimer clears it.
func (c claimAuthorization) set(user, claimer crypto.Address) {
	c.j.putClaimer(user, claimer)
}

// authorizeOnBehalf passes only when caller is the registered claimer of
// user. An unset delegation authorises nobody.
func (c claimAuthorization) authorizeOnBehalf(user, caller crypto.Address) error {
	claimer, err := c.j.claimer(user)
	if err != nil {
		return err
	}
	if claimer.IsZero() || caller.IsZero() || !claimer.Equal(caller) {
		return fmt.Errorf("%w: %s is not the claimer of %s", ErrUnauthorized, caller, user)
	}
	return nil
}
