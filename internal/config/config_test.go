package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcal/backend/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("GRPC_PORT", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50051", cfg.GRPCAddr())
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 10*time.Second, cfg.GRPCRequestTimeout)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}, cfg.Outbox.Backoff)
	assert.Equal(t, 5*time.Minute, cfg.Calendar.BusyCacheTTL)
	assert.Nil(t, cfg.OAuth.TokenKey)
	assert.False(t, cfg.Google.Enabled())

	p := cfg.DefaultPolicy
	assert.Equal(t, time.UTC, p.Location)
	assert.Equal(t, 30*time.Minute, p.Granularity)
	require.Len(t, p.Windows, 5)
	assert.Equal(t, domain.WorkingWindow{Weekday: time.Monday, Open: 9 * 60, Close: 17 * 60}, p.Windows[0])
}

func TestLoad_Env(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	t.Setenv("BOOKCAL_GRPC_ADDR", "127.0.0.1:6000")
	t.Setenv("BOOKCAL_STORE_DRIVER", "Memory")
	t.Setenv("BOOKCAL_OAUTH_TOKEN_KEY", key)
	t.Setenv("BOOKCAL_OAUTH_STATE_SECRET", "s3cret")
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	t.Setenv("BOOKCAL_OUTBOX_BACKOFF", "10s, 1m")
	t.Setenv("BOOKCAL_POLICY_TIME_ZONE", "Europe/Berlin")
	t.Setenv("BOOKCAL_POLICY_WEEKDAYS", "Saturday,sun")
	t.Setenv("BOOKCAL_POLICY_LEAD_TIME", "2h")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.GRPCAddr())
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Len(t, cfg.OAuth.TokenKey, 32)
	assert.True(t, cfg.Google.Enabled())
	assert.Equal(t, []time.Duration{10 * time.Second, time.Minute}, cfg.Outbox.Backoff)
	assert.Equal(t, "Europe/Berlin", cfg.DefaultPolicy.Location.String())
	assert.Equal(t, 2*time.Hour, cfg.DefaultPolicy.MinimumLeadTime)
	require.Len(t, cfg.DefaultPolicy.Windows, 2)
	assert.Equal(t, time.Saturday, cfg.DefaultPolicy.Windows[0].Weekday)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
calendar:
  busy_cache_size: 10
policy:
  open: "08:30"
`), 0o600))
	t.Setenv("BOOKCAL_HTTP_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTPAddr, "environment overrides file")
	assert.Equal(t, 10, cfg.Calendar.BusyCacheSize)
	assert.Equal(t, domain.ClockTime(8*60+30), cfg.DefaultPolicy.Windows[0].Open)
}

func TestLoad_ReportsEveryInvalidKey(t *testing.T) {
	t.Setenv("BOOKCAL_STORE_DRIVER", "sqlite")
	t.Setenv("BOOKCAL_SHUTDOWN_TIMEOUT", "soon")
	t.Setenv("BOOKCAL_OAUTH_TOKEN_KEY", "not-base64!")
	t.Setenv("BOOKCAL_POLICY_WEEKDAYS", "mon,funday")
	t.Setenv("BOOKCAL_MICROSOFT_CLIENT_ID", "id")
	t.Setenv("BOOKCAL_MICROSOFT_CLIENT_SECRET", "secret")

	_, err := Load("")
	require.Error(t, err)
	for _, want := range []string{"store.driver", "shutdown.timeout", "oauth.token_key", "funday", "oauth.state_secret"} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
