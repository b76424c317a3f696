package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rewardsledger/core/events"
	"rewardsledger/crypto"
	"rewardsledger/native/incentives"
	"rewardsledger/services/incentivesd/audit"
	"rewardsledger/services/incentivesd/server"
)

var testSecret = []byte(strings.Repeat("k", 32))

func TestMintTokenCarriesRolesAndExpiry(t *testing.T) {
	subject := crypto.DeriveAddress(crypto.NHBPrefix, "alice").String()
	now := time.Unix(1_700_000_000, 0)
	token, err := mintToken(testSecret, tokenRequest{
		Subject:  subject,
		Roles:    []string{"User", " admin "},
		Issuer:   "incentivesd",
		Audience: []string{"incentivesd"},
		TTL:      time.Hour,
	}, now)
	require.NoError(t, err)

	claims := &server.Claims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return testSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now.Add(time.Minute) }))
	require.NoError(t, err)
	require.Equal(t, subject, claims.Subject)
	require.ElementsMatch(t, []string{"user", "admin"}, claims.Roles)
	require.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	require.NotEmpty(t, claims.ID)
	require.True(t, claims.HasRole(server.RoleAdmin))
}

func TestMintTokenRejectsBadInput(t *testing.T) {
	subject := crypto.DeriveAddress(crypto.NHBPrefix, "alice").String()
	now := time.Now()
	_, err := mintToken(testSecret, tokenRequest{Subject: subject, TTL: time.Hour}, now)
	require.Error(t, err)
	_, err = mintToken(testSecret, tokenRequest{Subject: subject, Roles: []string{"root"}, TTL: time.Hour}, now)
	require.Error(t, err)
	_, err = mintToken(testSecret, tokenRequest{Subject: "alice", Roles: []string{"user"}, TTL: time.Hour}, now)
	require.Error(t, err)
	_, err = mintToken(testSecret, tokenRequest{Subject: subject, Roles: []string{"user"}}, now)
	require.Error(t, err)
}

func TestRunTokenUsesProfileAndEnvSecret(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "incentivesctl.toml")
	require.NoError(t, os.WriteFile(profilePath, []byte(`
[token]
issuer = "incentivesd-test"
audience = ["ops"]
ttl = "15m"
secret_env = "INCENTIVESCTL_TEST_JWT"
`), 0o600))
	t.Setenv("INCENTIVESCTL_TEST_JWT", string(testSecret))

	subject := crypto.DeriveAddress(crypto.ZNHBPrefix, "asset").String()
	var out bytes.Buffer
	err := run(context.Background(), []string{"token", "--profile", profilePath, "--subject", subject, "--role", "asset"}, &out)
	require.NoError(t, err)

	claims := &server.Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (interface{}, error) {
		return testSecret, nil
	})
	require.NoError(t, err)
	require.Equal(t, "incentivesd-test", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{"ops"}, claims.Audience)
	require.Equal(t, 15*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestLoadProfileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incentivesctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("[token]\nsecret = \"inline\"\n"), 0o600))
	_, err := loadProfile(path)
	require.Error(t, err)

	p, err := loadProfile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, defaultTokenTTL, p.Token.TTL.Duration)
	require.Equal(t, defaultSecretEnv, p.Token.SecretEnv)
	require.Equal(t, "sqlite", p.Audit.Driver)
}

func TestAuditCommands(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "audit.sqlite")

	db, err := audit.Open("sqlite", dsn)
	require.NoError(t, err)
	log, err := audit.NewLog(db)
	require.NoError(t, err)
	user := crypto.DeriveAddress(crypto.NHBPrefix, "alice")
	log.Emit(events.ClaimerSet{User: user, Claimer: crypto.DeriveAddress(crypto.NHBPrefix, "bob")})
	queue, err := audit.NewPayoutQueue(db)
	require.NoError(t, err)
	require.NoError(t, queue.PayReward(ctx, incentives.Payout{
		Seq:    1,
		Token:  crypto.DeriveAddress(crypto.ZNHBPrefix, "reward"),
		User:   user,
		To:     user,
		Amount: uint256.NewInt(42),
	}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"audit", "verify", "--dsn", dsn}, &out))
	var verified verifyReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &verified))
	require.Equal(t, 1, verified.Records)
	require.Equal(t, "ok", verified.Status)

	out.Reset()
	require.NoError(t, run(ctx, []string{"audit", "payouts", "--dsn", dsn}, &out))
	var pending []payoutView
	require.NoError(t, json.Unmarshal(out.Bytes(), &pending))
	require.Len(t, pending, 1)
	require.Equal(t, "42", pending[0].Amount)

	out.Reset()
	recordsPath := filepath.Join(dir, "records.parquet")
	payoutsPath := filepath.Join(dir, "payouts.parquet")
	require.NoError(t, run(ctx, []string{"audit", "export", "--dsn", dsn, "--records", recordsPath, "--payouts", payoutsPath}, &out))
	var exported exportReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &exported))
	require.Equal(t, 1, exported.Records)
	require.Equal(t, 1, exported.Payouts)
	require.FileExists(t, recordsPath)
	require.FileExists(t, payoutsPath)

	out.Reset()
	require.NoError(t, run(ctx, []string{"audit", "settle", "--dsn", dsn, "--seq", "1", "--reference", "tx-1"}, &out))
	out.Reset()
	require.NoError(t, run(ctx, []string{"audit", "payouts", "--dsn", dsn}, &out))
	pending = nil
	require.NoError(t, json.Unmarshal(out.Bytes(), &pending))
	require.Empty(t, pending)

	require.Error(t, run(ctx, []string{"audit", "settle", "--dsn", dsn, "--seq", "9", "--reference", "tx-9"}, &out))
	require.Error(t, run(ctx, []string{"audit", "rewind", "--dsn", dsn}, &out))
}

func TestAddressCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"address", "--prefix", "znhb", "--label", "asset"}, &out))
	require.Equal(t, crypto.DeriveAddress(crypto.ZNHBPrefix, "asset").String(), strings.TrimSpace(out.String()))
	require.Error(t, run(context.Background(), []string{"address", "--prefix", "eth", "--label", "asset"}, &out))
	require.Error(t, run(context.Background(), []string{"bogus"}, &out))
}
