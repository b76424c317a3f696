package audit

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type recordRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash       string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type payoutRow struct {
	LedgerSeq  int64  `parquet:"name=ledger_seq, type=INT64"`
	Token      string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	User       string `parquet:"name=user, type=BYTE_ARRAY, convertedtype=UTF8"`
	Claimer    string `parquet:"name=claimer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient  string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status     string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference  string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerTime int64  `parquet:"name=ledger_time, type=INT64"`
}

func writeParquet(path string, schema interface{}, rows []interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

// ExportRecords writes the whole audit chain to a parquet file and returns
// the number of rows.
func (l *Log) ExportRecords(ctx context.Context, path string) (int, error) {
	records, err := l.Records(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	rows := make([]interface{}, 0, len(records))
	for _, rec := range records {
		rows = append(rows, &recordRow{
			Seq:        int64(rec.Seq),
			Type:       rec.Type,
			Attributes: rec.Attributes,
			PrevHash:   rec.PrevHash,
			Hash:       rec.Hash,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return len(rows), writeParquet(path, new(recordRow), rows)
}

// ExportPayouts writes every payout instruction to a parquet file and
// returns the number of rows.
func (q *PayoutQueue) ExportPayouts(ctx context.Context, path string) (int, error) {
	payouts, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	rows := make([]interface{}, 0, len(payouts))
	for _, p := range payouts {
		rows = append(rows, &payoutRow{
			LedgerSeq:  int64(p.LedgerSeq),
			Token:      p.Token,
			User:       p.User,
			Claimer:    p.Claimer,
			Recipient:  p.Recipient,
			Amount:     p.Amount,
			Status:     p.Status,
			Reference:  p.Reference,
			LedgerTime: int64(p.LedgerTime),
		})
	}
	return len(rows), writeParquet(path, new(payoutRow), rows)
}
