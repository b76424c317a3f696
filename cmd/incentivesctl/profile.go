package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultProfile   = "./incentivesctl.toml"
	defaultSecretEnv = "INCENTIVESD_JWT_SECRET"
	defaultTokenTTL  = time.Hour
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// profile holds operator defaults so routine invocations need no flags.
type profile struct {
	Token struct {
		Issuer    string   `toml:"issuer"`
		Audience  []string `toml:"audience"`
		TTL       duration `toml:"ttl"`
		SecretEnv string   `toml:"secret_env"`
	} `toml:"token"`
	Audit struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"audit"`
}

// loadProfile decodes path. A missing file yields defaults.
func loadProfile(path string) (profile, error) {
	var p profile
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			md, err := toml.DecodeFile(path, &p)
			if err != nil {
				return profile{}, fmt.Errorf("read profile: %w", err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return profile{}, fmt.Errorf("profile %s: unknown key %s", path, undecoded[0])
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return profile{}, err
		}
	}
	if p.Token.TTL.Duration <= 0 {
		p.Token.TTL.Duration = defaultTokenTTL
	}
	if strings.TrimSpace(p.Token.SecretEnv) == "" {
		p.Token.SecretEnv = defaultSecretEnv
	}
	if strings.TrimSpace(p.Audit.Driver) == "" {
		p.Audit.Driver = "sqlite"
	}
	return p, nil
}
