package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "IAP_ENVIRONMENT", "REQUEST_TIMEOUT", "REDIS_DB", "QUERY_REFETCH", "FORCE_FINISH_IMMEDIATE", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "sandbox", c.Environment)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.Equal(t, "all", c.QueryRefetch)
	assert.False(t, c.ForceFinishImmediate)
	assert.NoError(t, c.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("FORCE_FINISH_IMMEDIATE", "true")
	t.Setenv("QUERY_REFETCH", "missing")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.HTTPAddr)
	assert.Equal(t, 5*time.Second, c.RequestTimeout)
	assert.Equal(t, 3, c.RedisDB)
	assert.True(t, c.ForceFinishImmediate)
	assert.Equal(t, "missing", c.QueryRefetch)
}

func TestFromEnv_BadValues(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "soon")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "REQUEST_TIMEOUT")
}

func TestLoad_EnvFile(t *testing.T) {
	// Unset so the file can provide it; t.Setenv restores the original.
	t.Setenv("LEDGER_PATH", "")
	require.NoError(t, os.Unsetenv("LEDGER_PATH"))
	t.Setenv("NATS_SUBJECT", "from-env")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_PATH=/tmp/purchases.db\nNATS_SUBJECT=from-file\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/purchases.db", c.LedgerPath)
	assert.Equal(t, "from-env", c.NATSSubject, "the environment wins over the file")
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestBindFlags(t *testing.T) {
	c := Config{HTTPAddr: ":8080", RequestTimeout: time.Second}
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	c.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--http-addr", ":7070", "--request-timeout", "2s"}))
	assert.Equal(t, ":7070", c.HTTPAddr)
	assert.Equal(t, 2*time.Second, c.RequestTimeout)
}

func TestValidate(t *testing.T) {
	c := Config{Environment: "staging", QueryRefetch: "some", LogLevel: "loud"}
	err := c.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "staging")
	assert.ErrorContains(t, err, "some")
	assert.ErrorContains(t, err, "loud")
	assert.ErrorContains(t, err, "timeout")
}
