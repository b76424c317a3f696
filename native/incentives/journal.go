package incentives

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"rewardsledger/crypto"
)

type userIndexEntry struct {
	user  crypto.Address
	asset crypto.Address
	index *uint256.Int
	has   bool
	dirty bool
}

type rewardEntry struct {
	user      crypto.Address
	unclaimed *uint256.Int
	dirty     bool
}

type claimerEntry struct {
	user    crypto.Address
	claimer crypto.Address
	dirty   bool
}

type assetEntry struct {
	asset crypto.Address
	data  *AssetData
	dirty bool
}

// journal overlays staged writes on top of State. Nothing reaches State
// until commit, so an aborted operation leaves no trace.
type journal struct {
	state State

	assets      map[string]*assetEntry
	userIndexes map[string]*userIndexEntry
	rewards     map[string]*rewardEntry
	claimers    map[string]*claimerEntry
	positions   []PositionRecord
	payouts     []Payout

	distributionEnd *uint64
	endDirty        bool
	payoutSeq       *uint64
}

func newJournal(state State) *journal {
	return &journal{
		state:       state,
		assets:      make(map[string]*assetEntry),
		userIndexes: make(map[string]*userIndexEntry),
		rewards:     make(map[string]*rewardEntry),
		claimers:    make(map[string]*claimerEntry),
	}
}

func userAssetKey(user, asset crypto.Address) string {
	return user.Key() + "/" + asset.Key()
}

func (j *journal) asset(asset crypto.Address) (*AssetData, error) {
	if entry, ok := j.assets[asset.Key()]; ok {
		return entry.data.Clone(), nil
	}
	data, err := j.state.GetAssetData(asset)
	if err != nil {
		return nil, err
	}
	entry := &assetEntry{asset: asset, data: data.Clone()}
	j.assets[asset.Key()] = entry
	return entry.data.Clone(), nil
}

func (j *journal) putAsset(asset crypto.Address, data *AssetData) {
	j.assets[asset.Key()] = &assetEntry{asset: asset, data: data.Clone(), dirty: true}
}

func (j *journal) userIndex(user, asset crypto.Address) (*uint256.Int, bool, error) {
	key := userAssetKey(user, asset)
	if entry, ok := j.userIndexes[key]; ok {
		return cloneInt(entry.index), entry.has, nil
	}
	index, has, err := j.state.GetUserAssetIndex(user, asset)
	if err != nil {
		return nil, false, err
	}
	j.userIndexes[key] = &userIndexEntry{user: user, asset: asset, index: cloneInt(index), has: has}
	return cloneInt(index), has, nil
}

func (j *journal) putUserIndex(user, asset crypto.Address, index *uint256.Int) {
	j.userIndexes[userAssetKey(user, asset)] = &userIndexEntry{
		user:  user,
		asset: asset,
		index: cloneInt(index),
		has:   true,
		dirty: true,
	}
}

func (j *journal) unclaimed(user crypto.Address) (*uint256.Int, error) {
	if entry, ok := j.rewards[user.Key()]; ok {
		return cloneInt(entry.unclaimed), nil
	}
	value, err := j.state.GetUnclaimedRewards(user)
	if err != nil {
		return nil, err
	}
	j.rewards[user.Key()] = &rewardEntry{user: user, unclaimed: cloneInt(value)}
	return cloneInt(value), nil
}

func (j *journal) putUnclaimed(user crypto.Address, value *uint256.Int) {
	j.rewards[user.Key()] = &rewardEntry{user: user, unclaimed: cloneInt(value), dirty: true}
}

func (j *journal) claimer(user crypto.Address) (crypto.Address, error) {
	if entry, ok := j.claimers[user.Key()]; ok {
		return entry.claimer, nil
	}
	claimer, err := j.state.GetClaimer(user)
	if err != nil {
		return crypto.Address{}, err
	}
	j.claimers[user.Key()] = &claimerEntry{user: user, claimer: claimer}
	return claimer, nil
}

func (j *journal) putClaimer(user, claimer crypto.Address) {
	j.claimers[user.Key()] = &claimerEntry{user: user, claimer: claimer, dirty: true}
}

func (j *journal) getDistributionEnd() (uint64, error) {
	if j.distributionEnd != nil {
		return *j.distributionEnd, nil
	}
	end, err := j.state.GetDistributionEnd()
	if err != nil {
		return 0, err
	}
	j.distributionEnd = &end
	return end, nil
}

func (j *journal) putDistributionEnd(end uint64) {
	j.distributionEnd = &end
	j.endDirty = true
}

// stagePosition records a post-event position. Its sequence must be newer
// than the one stored for the asset.
func (j *journal) stagePosition(asset, user crypto.Address, pos Position) error {
	last, err := j.state.GetPositionSequence(asset)
	if err != nil {
		return err
	}
	for _, staged := range j.positions {
		if staged.Asset.Equal(asset) && staged.Sequence > last {
			last = staged.Sequence
		}
	}
	if pos.Sequence <= last {
		return fmt.Errorf("%w: sequence %d not after %d", ErrStalePosition, pos.Sequence, last)
	}
	j.positions = append(j.positions, PositionRecord{Asset: asset, User: user, Position: pos.Clone()})
	return nil
}

// enqueuePayout assigns the next outbox sequence to the payout.
func (j *journal) enqueuePayout(payout Payout) (Payout, error) {
	if j.payoutSeq == nil {
		seq, err := j.state.GetPayoutSequence()
		if err != nil {
			return Payout{}, err
		}
		j.payoutSeq = &seq
	}
	next := *j.payoutSeq + 1
	j.payoutSeq = &next
	payout.Seq = next
	j.payouts = append(j.payouts, payout.Clone())
	return payout, nil
}

// changes renders the staged writes in a deterministic order.
func (j *journal) changes() *Changeset {
	cs := &Changeset{}
	for _, key := range sortedKeys(j.assets) {
		entry := j.assets[key]
		if entry.dirty {
			cs.Assets = append(cs.Assets, AssetRecord{Asset: entry.asset, Data: entry.data.Clone()})
		}
	}
	for _, key := range sortedKeys(j.userIndexes) {
		entry := j.userIndexes[key]
		if entry.dirty {
			cs.UserIndexes = append(cs.UserIndexes, UserIndexRecord{User: entry.user, Asset: entry.asset, Index: cloneInt(entry.index)})
		}
	}
	for _, key := range sortedKeys(j.rewards) {
		entry := j.rewards[key]
		if entry.dirty {
			cs.Rewards = append(cs.Rewards, RewardRecord{User: entry.user, Unclaimed: cloneInt(entry.unclaimed)})
		}
	}
	for _, key := range sortedKeys(j.claimers) {
		entry := j.claimers[key]
		if entry.dirty {
			cs.Claimers = append(cs.Claimers, ClaimerRecord{User: entry.user, Claimer: entry.claimer})
		}
	}
	for _, rec := range j.positions {
		cs.Positions = append(cs.Positions, PositionRecord{Asset: rec.Asset, User: rec.User, Position: rec.Position.Clone()})
	}
	for _, payout := range j.payouts {
		cs.Payouts = append(cs.Payouts, payout.Clone())
	}
	if len(j.payouts) > 0 && j.payoutSeq != nil {
		seq := *j.payoutSeq
		cs.PayoutSequence = &seq
	}
	if j.endDirty && j.distributionEnd != nil {
		end := *j.distributionEnd
		cs.DistributionEnd = &end
	}
	return cs
}

func (j *journal) commit() error {
	cs := j.changes()
	if cs.Empty() {
		return nil
	}
	return j.state.Apply(cs)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
