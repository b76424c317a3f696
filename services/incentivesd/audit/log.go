package audit

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"rewardsledger/core/events"
	"rewardsledger/observability"
)

// ErrChainBroken is returned by Verify when a record does not commit to its
// predecessor or its own contents.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Log persists ledger events as a blake3 hash chain. It satisfies
// events.Emitter so it can be attached directly to the controller.
type Log struct {
	mu     sync.Mutex
	db     *gorm.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// LogOption customises a Log.
type LogOption func(*Log)

// WithLogClock overrides the timestamp source.
func WithLogClock(clock clockwork.Clock) LogOption {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogLogger overrides the logger used for failed appends.
func WithLogLogger(logger *slog.Logger) LogOption {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLog wraps a migrated database.
func NewLog(db *gorm.DB, opts ...LogOption) (*Log, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	l := &Log{db: db, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func chainHash(prev string, seq uint64, kind, attrs string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(attrs))
	return hex.EncodeToString(h.Sum(nil))
}

// Emit implements events.Emitter. Failures are logged and counted; the
// ledger operation that produced the event has already committed.
func (l *Log) Emit(evt events.Event) {
	if _, err := l.Append(context.Background(), evt); err != nil {
		observability.Events().RecordAuditError()
		l.logger.Error("audit append failed", "type", evt.EventType(), "error", err)
	}
}

// Append adds evt to the chain and returns the stored record.
func (l *Log) Append(ctx context.Context, evt events.Event) (*Record, error) {
	rendered := events.Render(evt)
	if rendered == nil {
		return nil, errors.New("audit: nil event")
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var stored Record
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head Record
		prev := ""
		next := uint64(1)
		res := tx.Order("seq desc").Limit(1).Find(&head)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			prev = head.Hash
			next = head.Seq + 1
		}
		stored = Record{
			ID:         uuid.New(),
			Seq:        next,
			Type:       rendered.Type,
			Attributes: string(attrs),
			PrevHash:   prev,
			Hash:       chainHash(prev, next, rendered.Type, string(attrs)),
			CreatedAt:  l.clock.Now().UTC(),
		}
		return tx.Create(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	return &stored, nil
}

// Records returns up to limit records with Seq greater than after.
func (l *Log) Records(ctx context.Context, after uint64, limit int) ([]Record, error) {
	var out []Record
	q := l.db.WithContext(ctx).Where("seq > ?", after).Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Verify walks the whole chain and returns the number of records checked.
func (l *Log) Verify(ctx context.Context) (int, error) {
	const batch = 500
	prev := ""
	expected := uint64(1)
	checked := 0
	for {
		records, err := l.Records(ctx, expected-1, batch)
		if err != nil {
			return checked, err
		}
		for _, rec := range records {
			if rec.Seq != expected {
				return checked, fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, expected, rec.Seq)
			}
			if rec.PrevHash != prev {
				return checked, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, rec.Seq)
			}
			if want := chainHash(prev, rec.Seq, rec.Type, rec.Attributes); want != rec.Hash {
				return checked, fmt.Errorf("%w: seq %d content hash mismatch", ErrChainBroken, rec.Seq)
			}
			prev = rec.Hash
			expected++
			checked++
		}
		if len(records) < batch {
			return checked, nil
		}
	}
}

var _ events.Emitter = (*Log)(nil)
