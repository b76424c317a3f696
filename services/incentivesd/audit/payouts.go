package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardsledger/native/incentives"
)

// ErrUnknownPayout is returned when settling a sequence that was never
// queued.
var ErrUnknownPayout = errors.New("audit: payout not found")

// PayoutQueue records payout instructions for the host platform. It is the
// incentives.Payer used by the daemon: the ledger never moves value itself.
type PayoutQueue struct {
	db *gorm.DB
}

// NewPayoutQueue wraps a migrated database.
func NewPayoutQueue(db *gorm.DB) (*PayoutQueue, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	return &PayoutQueue{db: db}, nil
}

// PayReward inserts the instruction. Redelivery of the same sequence is a
// no-op.
func (q *PayoutQueue) PayReward(ctx context.Context, payout incentives.Payout) error {
	if payout.Seq == 0 {
		return errors.New("audit: payout sequence required")
	}
	if payout.Amount == nil {
		return errors.New("audit: payout amount required")
	}
	row := PayoutInstruction{
		ID:         uuid.New(),
		LedgerSeq:  payout.Seq,
		Token:      payout.Token.String(),
		User:       payout.User.String(),
		Claimer:    payout.Claimer.String(),
		Recipient:  payout.To.String(),
		Amount:     payout.Amount.Dec(),
		Status:     PayoutPending,
		LedgerTime: payout.CreatedAt,
	}
	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "ledger_seq"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("audit: queue payout %d: %w", payout.Seq, err)
	}
	return nil
}

// Pending lists unsettled instructions in ledger order.
func (q *PayoutQueue) Pending(ctx context.Context, limit int) ([]PayoutInstruction, error) {
	var out []PayoutInstruction
	tx := q.db.WithContext(ctx).Where("status = ?", PayoutPending).Order("ledger_seq asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: pending payouts: %w", err)
	}
	return out, nil
}

// All lists every instruction in ledger order.
func (q *PayoutQueue) All(ctx context.Context) ([]PayoutInstruction, error) {
	var out []PayoutInstruction
	if err := q.db.WithContext(ctx).Order("ledger_seq asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: list payouts: %w", err)
	}
	return out, nil
}

// MarkSettled records the host platform's transfer reference.
func (q *PayoutQueue) MarkSettled(ctx context.Context, seq uint64, reference string) error {
	res := q.db.WithContext(ctx).Model(&PayoutInstruction{}).
		Where("ledger_seq = ?", seq).
		Updates(map[string]interface{}{"status": PayoutSettled, "reference": reference})
	if res.Error != nil {
		return fmt.Errorf("audit: settle payout %d: %w", seq, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownPayout, seq)
	}
	return nil
}

var _ incentives.Payer = (*PayoutQueue)(nil)
