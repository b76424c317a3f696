package incentives

import "github.com/holiman/uint256"

// ComputeIndex returns the asset index as of now without touching the asset.
//
// The index is unchanged when no time has elapsed, the emission is zero or
// the supply is empty. When distributionEnd is non-zero, time past it does
// not accrue.
func ComputeIndex(fp FixedPoint, asset *AssetData, totalSupply *uint256.Int, now, distributionEnd uint64) (*uint256.Int, error) {
	current := asset.Clone()
	last := current.LastUpdateTimestamp
	if now <= last || current.EmissionPerSecond.IsZero() || totalSupply == nil || totalSupply.IsZero() {
		return current.Index, nil
	}
	effective := now
	if distributionEnd != 0 && effective > distributionEnd {
		effective = distributionEnd
	}
	if effective <= last {
		return current.Index, nil
	}
	delta, err := fp.IndexDelta(current.EmissionPerSecond, effective-last, totalSupply)
	if err != nil {
		return nil, err
	}
	return fp.Add(current.Index, delta)
}

// AdvanceIndex moves the asset to now in place and reports whether the index
// itself moved. LastUpdateTimestamp follows now even when the index stays put
// so that a later emission change never applies to an idle interval. A now
// behind the stored timestamp leaves the asset untouched. On error the asset
// is not modified.
func AdvanceIndex(fp FixedPoint, asset *AssetData, totalSupply *uint256.Int, now, distributionEnd uint64) (bool, error) {
	if asset == nil {
		return false, errNilState
	}
	next, err := ComputeIndex(fp, asset, totalSupply, now, distributionEnd)
	if err != nil {
		return false, err
	}
	changed := !next.Eq(orZero(asset.Index))
	asset.Index = next
	if asset.EmissionPerSecond == nil {
		asset.EmissionPerSecond = new(uint256.Int)
	}
	if now > asset.LastUpdateTimestamp {
		asset.LastUpdateTimestamp = now
	}
	return changed, nil
}

// SettleUser returns the reward accrued by a user holding balance between
// their snapshot and assetIndexAfter.
//
// A user without a snapshot is treated as if they had one at
// assetIndexBefore, the asset index prior to the advance that triggered this
// settlement, so nobody is credited for history that predates them.
func SettleUser(fp FixedPoint, snapshot *uint256.Int, hasSnapshot bool, balance, assetIndexBefore, assetIndexAfter *uint256.Int) (*uint256.Int, error) {
	prior := snapshot
	if !hasSnapshot {
		prior = assetIndexBefore
	}
	prior = orZero(prior)
	after := orZero(assetIndexAfter)
	if balance == nil || balance.IsZero() || !prior.Lt(after) {
		return new(uint256.Int), nil
	}
	return fp.RewardDelta(balance, after, prior)
}
