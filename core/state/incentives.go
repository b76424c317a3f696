package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
	"rewardsledger/storage"
)

// IncentivesStore persists the incentives ledger in a key/value database.
// Records are RLP encoded under keccak-hashed keys; every controller
// changeset is written through one storage batch.
type IncentivesStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewIncentivesStore wraps db.
func NewIncentivesStore(db storage.Database) *IncentivesStore {
	return &IncentivesStore{db: db}
}

type storedAddress struct {
	Prefix string
	Bytes  []byte
}

func newStoredAddress(addr crypto.Address) storedAddress {
	if addr.IsZero() {
		return storedAddress{}
	}
	return storedAddress{Prefix: string(addr.Prefix()), Bytes: append([]byte(nil), addr.Bytes()...)}
}

func (s storedAddress) address() (crypto.Address, error) {
	return crypto.AddressFromBytes(crypto.AddressPrefix(s.Prefix), s.Bytes)
}

type storedAsset struct {
	Index               *big.Int
	EmissionPerSecond   *big.Int
	LastUpdateTimestamp uint64
}

type storedPayout struct {
	Seq       uint64
	Token     storedAddress
	User      storedAddress
	Claimer   storedAddress
	To        storedAddress
	Amount    *big.Int
	CreatedAt uint64
}

func hashedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func assetKey(asset crypto.Address) []byte {
	return hashedKey(incentivesAssetPrefix, asset.Bytes())
}

func userIndexKey(user, asset crypto.Address) []byte {
	return hashedKey(incentivesUserIndexPrefix, user.Bytes(), asset.Bytes())
}

func unclaimedKey(user crypto.Address) []byte {
	return hashedKey(incentivesUnclaimedPrefix, user.Bytes())
}

func claimerKey(user crypto.Address) []byte {
	return hashedKey(incentivesClaimerPrefix, user.Bytes())
}

func payoutKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return hashedKey(incentivesPayoutPrefix, buf[:])
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("state: stored amount %s out of range", v)
	}
	return out, nil
}

// read decodes the record under key into out and reports whether it existed.
func (s *IncentivesStore) read(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode incentives record: %w", err)
	}
	return true, nil
}

func (s *IncentivesStore) readAmount(key []byte) (*uint256.Int, bool, error) {
	stored := new(big.Int)
	ok, err := s.read(key, stored)
	if err != nil || !ok {
		return new(uint256.Int), ok, err
	}
	value, err := fromBig(stored)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *IncentivesStore) readUint(key []byte) (uint64, error) {
	var value uint64
	if _, err := s.read(key, &value); err != nil {
		return 0, err
	}
	return value, nil
}

func (s *IncentivesStore) GetAssetData(asset crypto.Address) (*incentives.AssetData, error) {
	stored := new(storedAsset)
	ok, err := s.read(assetKey(asset), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (*incentives.AssetData)(nil).Clone(), nil
	}
	index, err := fromBig(stored.Index)
	if err != nil {
		return nil, err
	}
	emission, err := fromBig(stored.EmissionPerSecond)
	if err != nil {
		return nil, err
	}
	return &incentives.AssetData{Index: index, EmissionPerSecond: emission, LastUpdateTimestamp: stored.LastUpdateTimestamp}, nil
}

func (s *IncentivesStore) GetUserAssetIndex(user, asset crypto.Address) (*uint256.Int, bool, error) {
	return s.readAmount(userIndexKey(user, asset))
}

func (s *IncentivesStore) GetUnclaimedRewards(user crypto.Address) (*uint256.Int, error) {
	value, _, err := s.readAmount(unclaimedKey(user))
	return value, err
}

func (s *IncentivesStore) GetClaimer(user crypto.Address) (crypto.Address, error) {
	var stored storedAddress
	ok, err := s.read(claimerKey(user), &stored)
	if err != nil || !ok {
		return crypto.Address{}, err
	}
	return stored.address()
}

func (s *IncentivesStore) GetDistributionEnd() (uint64, error) {
	return s.readUint(hashedKey(incentivesDistributionEnd))
}

func (s *IncentivesStore) GetPayoutSequence() (uint64, error) {
	return s.readUint(hashedKey(incentivesPayoutSeqKey))
}

func (s *IncentivesStore) GetPositionSequence(asset crypto.Address) (uint64, error) {
	return readPositionSequence(s.db, asset)
}

// Apply writes the changeset, position reports included, in a single batch.
func (s *IncentivesStore) Apply(cs *incentives.Changeset) error {
	if cs.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	put := func(key []byte, value interface{}) error {
		encoded, err := rlp.EncodeToBytes(value)
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
		return nil
	}
	for _, rec := range cs.Assets {
		data := rec.Data.Clone()
		if err := put(assetKey(rec.Asset), &storedAsset{
			Index:               toBig(data.Index),
			EmissionPerSecond:   toBig(data.EmissionPerSecond),
			LastUpdateTimestamp: data.LastUpdateTimestamp,
		}); err != nil {
			return err
		}
	}
	for _, rec := range cs.UserIndexes {
		if err := put(userIndexKey(rec.User, rec.Asset), toBig(rec.Index)); err != nil {
			return err
		}
	}
	for _, rec := range cs.Rewards {
		if err := put(unclaimedKey(rec.User), toBig(rec.Unclaimed)); err != nil {
			return err
		}
	}
	for _, rec := range cs.Claimers {
		if rec.Claimer.IsZero() {
			batch.Delete(claimerKey(rec.User))
			continue
		}
		if err := put(claimerKey(rec.User), newStoredAddress(rec.Claimer)); err != nil {
			return err
		}
	}
	for _, rec := range cs.Positions {
		if err := putPosition(batch, rec); err != nil {
			return err
		}
	}
	for _, payout := range cs.Payouts {
		if err := put(payoutKey(payout.Seq), &storedPayout{
			Seq:       payout.Seq,
			Token:     newStoredAddress(payout.Token),
			User:      newStoredAddress(payout.User),
			Claimer:   newStoredAddress(payout.Claimer),
			To:        newStoredAddress(payout.To),
			Amount:    toBig(payout.Amount),
			CreatedAt: payout.CreatedAt,
		}); err != nil {
			return err
		}
	}
	if cs.PayoutSequence != nil {
		if err := put(hashedKey(incentivesPayoutSeqKey), *cs.PayoutSequence); err != nil {
			return err
		}
	}
	if cs.DistributionEnd != nil {
		if err := put(hashedKey(incentivesDistributionEnd), *cs.DistributionEnd); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (s *IncentivesStore) loadPayout(seq uint64) (incentives.Payout, bool, error) {
	stored := new(storedPayout)
	ok, err := s.read(payoutKey(seq), stored)
	if err != nil || !ok {
		return incentives.Payout{}, ok, err
	}
	payout := incentives.Payout{Seq: stored.Seq, CreatedAt: stored.CreatedAt}
	for _, field := range []struct {
		dst *crypto.Address
		src storedAddress
	}{
		{&payout.Token, stored.Token},
		{&payout.User, stored.User},
		{&payout.Claimer, stored.Claimer},
		{&payout.To, stored.To},
	} {
		addr, err := field.src.address()
		if err != nil {
			return incentives.Payout{}, false, fmt.Errorf("state: payout %d: %w", seq, err)
		}
		*field.dst = addr
	}
	amount, err := fromBig(stored.Amount)
	if err != nil {
		return incentives.Payout{}, false, err
	}
	payout.Amount = amount
	return payout, true, nil
}

// PendingPayouts returns up to limit unacknowledged payouts in sequence
// order. A non-positive limit returns all of them.
func (s *IncentivesStore) PendingPayouts(limit int) ([]incentives.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked, err := s.readUint(hashedKey(incentivesPayoutAckKey))
	if err != nil {
		return nil, err
	}
	seq, err := s.readUint(hashedKey(incentivesPayoutSeqKey))
	if err != nil {
		return nil, err
	}
	var out []incentives.Payout
	for next := acked + 1; next <= seq; next++ {
		payout, ok, err := s.loadPayout(next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, payout)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AckPayouts moves the delivery cursor to upTo and prunes the delivered
// records. Acknowledging beyond the committed sequence is an error.
func (s *IncentivesStore) AckPayouts(upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked, err := s.readUint(hashedKey(incentivesPayoutAckKey))
	if err != nil {
		return err
	}
	if upTo <= acked {
		return nil
	}
	seq, err := s.readUint(hashedKey(incentivesPayoutSeqKey))
	if err != nil {
		return err
	}
	if upTo > seq {
		return fmt.Errorf("state: ack %d beyond payout sequence %d", upTo, seq)
	}
	batch := s.db.NewBatch()
	for delivered := acked + 1; delivered <= upTo; delivered++ {
		batch.Delete(payoutKey(delivered))
	}
	encoded, err := rlp.EncodeToBytes(upTo)
	if err != nil {
		return err
	}
	batch.Put(hashedKey(incentivesPayoutAckKey), encoded)
	return batch.Write()
}

// PendingPayoutCount reports how many committed payouts await delivery.
func (s *IncentivesStore) PendingPayoutCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked, err := s.readUint(hashedKey(incentivesPayoutAckKey))
	if err != nil {
		return 0, err
	}
	seq, err := s.readUint(hashedKey(incentivesPayoutSeqKey))
	if err != nil {
		return 0, err
	}
	if seq < acked {
		return 0, nil
	}
	return seq - acked, nil
}

var (
	_ incentives.State        = (*IncentivesStore)(nil)
	_ incentives.PayoutOutbox = (*IncentivesStore)(nil)
)
