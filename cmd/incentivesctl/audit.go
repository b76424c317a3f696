package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
	"gorm.io/gorm"

	"rewardsledger/services/incentivesd/audit"
)

type verifyReport struct {
	Records int    `json:"records"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type exportReport struct {
	Records     int    `json:"records"`
	RecordsPath string `json:"recordsPath,omitempty"`
	Payouts     int    `json:"payouts"`
	PayoutsPath string `json:"payoutsPath,omitempty"`
}

type payoutView struct {
	Seq       uint64 `json:"seq"`
	Token     string `json:"token"`
	User      string `json:"user"`
	Claimer   string `json:"claimer,omitempty"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
}

func runAudit(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("audit: expected verify, export, payouts or settle")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("audit "+sub, flag.ContinueOnError)
	profilePath := fs.String("profile", defaultProfile, "Path to the incentivesctl profile")
	driver := fs.String("driver", "", "Audit database driver (sqlite or postgres)")
	dsn := fs.String("dsn", "", "Audit database DSN")
	recordsOut := fs.String("records", "", "Parquet output path for audit records")
	payoutsOut := fs.String("payouts", "", "Parquet output path for payout instructions")
	limit := fs.Int("limit", 100, "Maximum payouts listed")
	seq := fs.Uint64("seq", 0, "Ledger sequence of the payout to settle")
	reference := fs.String("reference", "", "External transfer reference recorded on settle")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	p, err := loadProfile(*profilePath)
	if err != nil {
		return err
	}
	if *driver == "" {
		*driver = p.Audit.Driver
	}
	if *dsn == "" {
		*dsn = p.Audit.DSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return fmt.Errorf("audit: --dsn or profile audit.dsn required")
	}
	db, err := audit.Open(*driver, *dsn)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	switch sub {
	case "verify":
		return auditVerify(ctx, db, stdout)
	case "export":
		return auditExport(ctx, db, *recordsOut, *payoutsOut, stdout)
	case "payouts":
		return auditPayouts(ctx, db, *limit, stdout)
	case "settle":
		return auditSettle(ctx, db, *seq, *reference, stdout)
	default:
		return fmt.Errorf("audit: unknown subcommand %q", sub)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

func auditVerify(ctx context.Context, db *gorm.DB, stdout io.Writer) error {
	log, err := audit.NewLog(db)
	if err != nil {
		return err
	}
	checked, verr := log.Verify(ctx)
	report := verifyReport{Records: checked, Status: "ok"}
	if verr != nil {
		report.Status = "broken"
		report.Error = verr.Error()
	}
	if err := printJSON(stdout, report); err != nil {
		return err
	}
	return verr
}

func auditExport(ctx context.Context, db *gorm.DB, recordsPath, payoutsPath string, stdout io.Writer) error {
	if recordsPath == "" && payoutsPath == "" {
		return fmt.Errorf("audit export: --records or --payouts required")
	}
	report := exportReport{RecordsPath: recordsPath, PayoutsPath: payoutsPath}
	if recordsPath != "" {
		log, err := audit.NewLog(db)
		if err != nil {
			return err
		}
		if report.Records, err = log.ExportRecords(ctx, recordsPath); err != nil {
			return err
		}
	}
	if payoutsPath != "" {
		queue, err := audit.NewPayoutQueue(db)
		if err != nil {
			return err
		}
		if report.Payouts, err = queue.ExportPayouts(ctx, payoutsPath); err != nil {
			return err
		}
	}
	return printJSON(stdout, report)
}

func auditPayouts(ctx context.Context, db *gorm.DB, limit int, stdout io.Writer) error {
	queue, err := audit.NewPayoutQueue(db)
	if err != nil {
		return err
	}
	pending, err := queue.Pending(ctx, limit)
	if err != nil {
		return err
	}
	views := make([]payoutView, 0, len(pending))
	for _, instr := range pending {
		views = append(views, payoutView{
			Seq:       instr.LedgerSeq,
			Token:     instr.Token,
			User:      instr.User,
			Claimer:   instr.Claimer,
			Recipient: instr.Recipient,
			Amount:    instr.Amount,
			Status:    instr.Status,
			Reference: instr.Reference,
		})
	}
	return printJSON(stdout, views)
}

func auditSettle(ctx context.Context, db *gorm.DB, seq uint64, reference string, stdout io.Writer) error {
	if seq == 0 {
		return fmt.Errorf("audit settle: --seq required")
	}
	if strings.TrimSpace(reference) == "" {
		return fmt.Errorf("audit settle: --reference required")
	}
	queue, err := audit.NewPayoutQueue(db)
	if err != nil {
		return err
	}
	if err := queue.MarkSettled(ctx, seq, reference); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "payout %d settled\n", seq)
	return nil
}
