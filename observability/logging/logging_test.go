package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupJSONKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("incentivesd", "test", Options{Output: &buf})
	require.NoError(t, err)
	logger.Info("ledger ready", "operation", "boot")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "ledger ready", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "incentivesd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("incentivesd", "", Options{Output: &buf, Level: "warn"})
	require.NoError(t, err)
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestSetupConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup("incentivesd", "dev", Options{Output: &buf, Format: "console"})
	require.NoError(t, err)
	logger.Info("console line")
	require.True(t, strings.Contains(buf.String(), "console line"))
}

func TestSetupRejectsUnknownOptions(t *testing.T) {
	_, err := Setup("svc", "", Options{Format: "xml"})
	require.Error(t, err)
	_, err = Setup("svc", "", Options{Level: "loud"})
	require.Error(t, err)
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestMaskHelpers(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "s3cret").Value.String())
	require.Equal(t, "boot", MaskField("operation", "boot").Value.String())
	require.Equal(t, "", MaskValue("  "))
	require.Equal(t, "postgres://db:5432/ledger", MaskDSN("postgres://user:pw@db:5432/ledger?sslmode=disable"))
	require.Equal(t, RedactedValue, MaskDSN("file:audit.db?cache=shared"))
	require.Contains(t, RedactionAllowlist(), "operation")
}

func TestHandlersRedactSensitiveKeys(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		var buf bytes.Buffer
		logger, err := Setup("incentivesd", "", Options{Output: &buf, Format: format})
		require.NoError(t, err)
		logger.Info("caller rejected", "authorization", "Bearer abc.def", "Token", "xyz", "route", "claims")
		require.NotContains(t, buf.String(), "abc.def", format)
		require.NotContains(t, buf.String(), "xyz", format)
		require.Contains(t, buf.String(), "claims", format)
		require.Contains(t, buf.String(), RedactedValue, format)
	}
}
