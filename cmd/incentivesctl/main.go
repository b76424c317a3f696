package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"rewardsledger/crypto"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return fmt.Errorf("missing command")
	}
	switch args[0] {
	case "token":
		return runToken(args[1:], stdout)
	case "audit":
		return runAudit(ctx, args[1:], stdout)
	case "address":
		return runAddress(args[1:], stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// runAddress derives a deterministic address from a label, for fixtures and
// bootstrap configuration.
func runAddress(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	prefix := fs.String("prefix", string(crypto.NHBPrefix), "Bech32 prefix (nhb or znhb)")
	label := fs.String("label", "", "Label hashed into the address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*label) == "" {
		return fmt.Errorf("address: --label required")
	}
	switch crypto.AddressPrefix(*prefix) {
	case crypto.NHBPrefix, crypto.ZNHBPrefix:
	default:
		return fmt.Errorf("address: unsupported prefix %q", *prefix)
	}
	fmt.Fprintln(stdout, crypto.DeriveAddress(crypto.AddressPrefix(*prefix), *label).String())
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: incentivesctl <command> [flags]

Commands:
  token     mint a bearer token for incentivesd
  audit     verify, export, payouts or settle against the audit database
  address   derive a deterministic address from a label`)
}
