package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rewardsledger/core/events"
	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

var (
	alice = crypto.DeriveAddress(crypto.NHBPrefix, "alice")
	bob   = crypto.DeriveAddress(crypto.NHBPrefix, "bob")
	asset = crypto.DeriveAddress(crypto.ZNHBPrefix, "asset")
)

func TestLogAppendsChain(t *testing.T) {
	db := setupTestDB(t)
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	log, err := NewLog(db, WithLogClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := log.Append(ctx, events.RewardsAccrued{User: alice, Asset: asset, Amount: uint256.NewInt(500)})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Seq)
	require.Empty(t, first.PrevHash)
	require.Equal(t, events.TypeRewardsAccrued, first.Type)
	require.Contains(t, first.Attributes, `"amount":"500"`)

	log.Emit(events.ClaimerSet{User: alice, Claimer: bob})
	second, err := log.Append(ctx, events.DistributionEndUpdated{End: 42})
	require.NoError(t, err)
	require.Equal(t, uint64(3), second.Seq)

	records, err := log.Records(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, records[0].Hash, records[1].PrevHash)
	require.Equal(t, records[1].Hash, records[2].PrevHash)
	require.True(t, records[0].CreatedAt.Equal(clock.Now().UTC()))

	checked, err := log.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, checked)
}

func TestLogVerifyDetectsTampering(t *testing.T) {
	db := setupTestDB(t)
	log, err := NewLog(db)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := log.Append(ctx, events.RewardsAccrued{User: alice, Asset: asset, Amount: uint256.NewInt(uint64(i))})
		require.NoError(t, err)
	}

	require.NoError(t, db.Model(&Record{}).Where("seq = ?", 2).
		Update("attributes", `{"amount":"999999"}`).Error)

	checked, err := log.Verify(ctx)
	require.True(t, errors.Is(err, ErrChainBroken), "expected broken chain, got %v", err)
	require.Equal(t, 1, checked)
}

func TestLogVerifyDetectsDeletion(t *testing.T) {
	db := setupTestDB(t)
	log, err := NewLog(db)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, events.DistributionEndUpdated{End: uint64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, db.Where("seq = ?", 2).Delete(&Record{}).Error)

	_, err = log.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestPayoutQueueIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	queue, err := NewPayoutQueue(db)
	require.NoError(t, err)
	ctx := context.Background()

	payout := incentives.Payout{Seq: 1, Token: asset, User: alice, Claimer: alice, To: bob, Amount: uint256.NewInt(300), CreatedAt: 10}
	require.NoError(t, queue.PayReward(ctx, payout))
	require.NoError(t, queue.PayReward(ctx, payout))
	require.NoError(t, queue.PayReward(ctx, incentives.Payout{Seq: 2, User: bob, To: bob, Amount: uint256.NewInt(5)}))

	pending, err := queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(1), pending[0].LedgerSeq)
	require.Equal(t, "300", pending[0].Amount)
	require.Equal(t, bob.String(), pending[0].Recipient)

	require.NoError(t, queue.MarkSettled(ctx, 1, "tx-1"))
	pending, err = queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(2), pending[0].LedgerSeq)

	require.ErrorIs(t, queue.MarkSettled(ctx, 9, "tx-9"), ErrUnknownPayout)
	require.Error(t, queue.PayReward(ctx, incentives.Payout{Amount: uint256.NewInt(1)}))
}

func TestExportWritesParquet(t *testing.T) {
	db := setupTestDB(t)
	log, err := NewLog(db)
	require.NoError(t, err)
	queue, err := NewPayoutQueue(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = log.Append(ctx, events.RewardsClaimed{User: alice, To: alice, Claimer: alice, Amount: uint256.NewInt(7), Seq: 1})
	require.NoError(t, err)
	require.NoError(t, queue.PayReward(ctx, incentives.Payout{Seq: 1, User: alice, To: alice, Amount: uint256.NewInt(7)}))

	dir := t.TempDir()
	n, err := log.ExportRecords(ctx, filepath.Join(dir, "audit.parquet"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = queue.ExportPayouts(ctx, filepath.Join(dir, "payouts.parquet"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.FileExists(t, filepath.Join(dir, "payouts.parquet"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
