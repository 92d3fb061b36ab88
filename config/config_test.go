package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/library-circulation/circulation"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "library.db", cfg.DBPath)
	assert.Equal(t, circulation.FeesOpenRecords, cfg.FeeBasis())
	assert.Equal(t, "10.00", cfg.UnpaidFeeThreshold)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
port: 9090
db_path: ":memory:"
log_level: debug
unpaid_fee_basis: returned_unpaid
unpaid_fee_threshold: "5.50"
policies:
  - member_type: student
    borrow_limit: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, circulation.FeesReturnedUnpaid, cfg.FeeBasis())

	policy, err := cfg.Eligibility()
	require.NoError(t, err)
	assert.True(t, policy.FeeThreshold.Equal(circulation.MustParseAmount("5.50")))

	table, err := cfg.PolicyTable()
	require.NoError(t, err)
	assert.Equal(t, 5, table[circulation.MemberStudent].BorrowLimit)
	assert.Equal(t, 14, table[circulation.MemberStudent].LoanPeriodDays, "unset fields keep the default")
	assert.Equal(t, 10, table[circulation.MemberFaculty].BorrowLimit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 9090\n")
	t.Setenv("LIBRARY_PORT", "7070")
	t.Setenv("LIBRARY_FEE_THRESHOLD", "2.00")
	t.Setenv("LIBRARY_CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "2.00", cfg.UnpaidFeeThreshold)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad fee basis", "unpaid_fee_basis: sometimes\n"},
		{"bad threshold", "unpaid_fee_threshold: lots\n"},
		{"negative threshold", "unpaid_fee_threshold: \"-1\"\n"},
		{"bad port", "port: 0\n"},
		{"bad policy", "policies:\n  - member_type: student\n    borrow_limit: -1\n"},
		{"malformed yaml", "port: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn")

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown", "kind", "book_unavailable")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "book_unavailable", entry["kind"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
