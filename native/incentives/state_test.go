package incentives

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"rewardsledger/crypto"
)

var errApplyFailed = errors.New("apply failed")

type mockState struct {
	mu          sync.Mutex
	assets      map[string]*AssetData
	userIndexes map[string]*uint256.Int
	rewards     map[string]*uint256.Int
	claimers    map[string]crypto.Address
	positions   map[string]Position
	posSeq      map[string]uint64
	posSupply   map[string]*uint256.Int
	payouts     []Payout
	acked       uint64
	payoutSeq   uint64
	end         uint64
	failApply   bool
	applies     int
}

func newMockState() *mockState {
	return &mockState{
		assets:      make(map[string]*AssetData),
		userIndexes: make(map[string]*uint256.Int),
		rewards:     make(map[string]*uint256.Int),
		claimers:    make(map[string]crypto.Address),
		positions:   make(map[string]Position),
		posSeq:      make(map[string]uint64),
		posSupply:   make(map[string]*uint256.Int),
	}
}

func (m *mockState) GetAssetData(asset crypto.Address) (*AssetData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assets[asset.Key()].Clone(), nil
}

func (m *mockState) GetUserAssetIndex(user, asset crypto.Address) (*uint256.Int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index, ok := m.userIndexes[userAssetKey(user, asset)]
	return cloneInt(index), ok, nil
}

func (m *mockState) GetUnclaimedRewards(user crypto.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneInt(m.rewards[user.Key()]), nil
}

func (m *mockState) GetClaimer(user crypto.Address) (crypto.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimers[user.Key()], nil
}

func (m *mockState) GetDistributionEnd() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.end, nil
}

func (m *mockState) GetPayoutSequence() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payoutSeq, nil
}

func (m *mockState) GetPositionSequence(asset crypto.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posSeq[asset.Key()], nil
}

// UserBalanceAndSupply serves the recorded positions back as a BalanceSource.
func (m *mockState) UserBalanceAndSupply(_ context.Context, asset, user crypto.Address) (*uint256.Int, *uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneInt(m.positions[userAssetKey(user, asset)].Balance), cloneInt(m.posSupply[asset.Key()]), nil
}

func (m *mockState) Apply(cs *Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApply {
		return errApplyFailed
	}
	m.applies++
	for _, rec := range cs.Assets {
		m.assets[rec.Asset.Key()] = rec.Data.Clone()
	}
	for _, rec := range cs.UserIndexes {
		m.userIndexes[userAssetKey(rec.User, rec.Asset)] = cloneInt(rec.Index)
	}
	for _, rec := range cs.Rewards {
		m.rewards[rec.User.Key()] = cloneInt(rec.Unclaimed)
	}
	for _, rec := range cs.Claimers {
		if rec.Claimer.IsZero() {
			delete(m.claimers, rec.User.Key())
			continue
		}
		m.claimers[rec.User.Key()] = rec.Claimer
	}
	for _, rec := range cs.Positions {
		m.positions[userAssetKey(rec.User, rec.Asset)] = rec.Position.Clone()
		m.posSeq[rec.Asset.Key()] = rec.Sequence
		m.posSupply[rec.Asset.Key()] = cloneInt(rec.TotalSupply)
	}
	for _, payout := range cs.Payouts {
		m.payouts = append(m.payouts, payout.Clone())
	}
	if cs.PayoutSequence != nil {
		m.payoutSeq = *cs.PayoutSequence
	}
	if cs.DistributionEnd != nil {
		m.end = *cs.DistributionEnd
	}
	return nil
}

func (m *mockState) PendingPayouts(limit int) ([]Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payout
	for _, payout := range m.payouts {
		if payout.Seq <= m.acked {
			continue
		}
		out = append(out, payout.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockState) AckPayouts(upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upTo > m.acked {
		m.acked = upTo
	}
	return nil
}

func (m *mockState) PendingPayoutCount() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payoutSeq < m.acked {
		return 0, nil
	}
	return m.payoutSeq - m.acked, nil
}

// dump renders the full state so tests can assert nothing moved.
func (m *mockState) dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lines []string
	for k, v := range m.assets {
		lines = append(lines, fmt.Sprintf("asset %x %s %s %d", k, v.Index, v.EmissionPerSecond, v.LastUpdateTimestamp))
	}
	for k, v := range m.userIndexes {
		lines = append(lines, fmt.Sprintf("index %x %s", k, v))
	}
	for k, v := range m.rewards {
		lines = append(lines, fmt.Sprintf("reward %x %s", k, v))
	}
	for k, v := range m.claimers {
		lines = append(lines, fmt.Sprintf("claimer %x %s", k, v))
	}
	lines = append(lines, fmt.Sprintf("payouts %d seq %d end %d", len(m.payouts), m.payoutSeq, m.end))
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

type position struct {
	balance *uint256.Int
	supply  *uint256.Int
}

// staticBalances serves fixed balances and supplies per (asset, user).
type staticBalances struct {
	mu        sync.Mutex
	positions map[string]position
	supplies  map[string]*uint256.Int
	err       error
}

func newStaticBalances() *staticBalances {
	return &staticBalances{positions: make(map[string]position), supplies: make(map[string]*uint256.Int)}
}

func (s *staticBalances) set(asset, user crypto.Address, balance, supply uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[userAssetKey(user, asset)] = position{balance: uint256.NewInt(balance), supply: uint256.NewInt(supply)}
	s.supplies[asset.Key()] = uint256.NewInt(supply)
}

func (s *staticBalances) UserBalanceAndSupply(_ context.Context, asset, user crypto.Address) (*uint256.Int, *uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	if pos, ok := s.positions[userAssetKey(user, asset)]; ok {
		return cloneInt(pos.balance), cloneInt(pos.supply), nil
	}
	return new(uint256.Int), cloneInt(s.supplies[asset.Key()]), nil
}
