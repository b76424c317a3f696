package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"rewardsledger/cmd/internal/passphrase"
	"rewardsledger/services/incentivesd/server"
)

type tokenRequest struct {
	Subject  string
	Roles    []string
	Issuer   string
	Audience []string
	TTL      time.Duration
}

func mintToken(secret []byte, req tokenRequest, now time.Time) (string, error) {
	if len(req.Roles) == 0 {
		return "", fmt.Errorf("at least one role is required")
	}
	roles := make([]string, 0, len(req.Roles))
	for _, raw := range req.Roles {
		role := server.Role(strings.ToLower(strings.TrimSpace(raw)))
		switch role {
		case server.RoleAdmin, server.RoleAsset, server.RoleUser:
			roles = append(roles, string(role))
		default:
			return "", fmt.Errorf("unknown role %q", raw)
		}
	}
	if req.TTL <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	claims := server.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strings.TrimSpace(req.Subject),
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
	}
	if len(req.Audience) > 0 {
		claims.Audience = jwt.ClaimStrings(req.Audience)
	}
	return server.SignToken(secret, claims)
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	profilePath := fs.String("profile", defaultProfile, "Path to the incentivesctl profile")
	subject := fs.String("subject", "", "Caller address placed in the token subject")
	roles := fs.StringSlice("role", nil, "Granted role (admin, asset, user); repeatable")
	ttl := fs.Duration("ttl", 0, "Token lifetime (defaults to the profile value)")
	issuer := fs.String("issuer", "", "Override the profile issuer")
	audience := fs.StringSlice("audience", nil, "Override the profile audience")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := loadProfile(*profilePath)
	if err != nil {
		return err
	}
	req := tokenRequest{
		Subject:  *subject,
		Roles:    *roles,
		Issuer:   p.Token.Issuer,
		Audience: p.Token.Audience,
		TTL:      p.Token.TTL.Duration,
	}
	if *ttl > 0 {
		req.TTL = *ttl
	}
	if *issuer != "" {
		req.Issuer = *issuer
	}
	if len(*audience) > 0 {
		req.Audience = *audience
	}

	secret, err := passphrase.NewSource(p.Token.SecretEnv, "incentivesd JWT signing secret").Get()
	if err != nil {
		return err
	}
	token, err := mintToken([]byte(secret), req, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
