package chatquota_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	cq "github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := cq.ParseConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, cq.DefaultLimits(), cfg.Quota.Limits())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.FragmentTimeout)
	assert.Equal(t, 4000, cfg.Server.MaxMessageChars)
	assert.Equal(t, "preserve", cfg.Server.FailurePolicy)
	assert.Equal(t, "mock", cfg.Upstream.Provider)
	assert.Equal(t, "local", cfg.Logging.Env)
}

func TestParseConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("CHATQUOTA_TEST_KEY", "sk-test")

	cfg, err := cq.ParseConfig([]byte(`
quota:
  daily_tokens: 500
  daily_messages: 5
  idle_timeout: 30m
upstream:
  provider: openai
  model: gpt-4o-mini
  api_key: ${CHATQUOTA_TEST_KEY}
`))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Upstream.APIKey)
	assert.Equal(t, cq.Limits{
		DailyTokens:   500,
		DailyMessages: 5,
		IdleTimeout:   30 * time.Minute,
		MaxSessions:   cq.DefaultMaxSessions,
	}, cfg.Quota.Limits())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative tokens", "quota:\n  daily_tokens: -1\n", "daily_tokens must not be negative"},
		{"negative messages", "quota:\n  daily_messages: -1\n", "daily_messages must not be negative"},
		{"negative idle", "quota:\n  idle_timeout: -1m\n", "idle_timeout must not be negative"},
		{"negative sessions", "quota:\n  max_sessions: -1\n", "max_sessions must not be negative"},
		{"bad timezone", "quota:\n  timezone: Mars/Olympus\n", "quota.timezone"},
		{"bad policy", "server:\n  failure_policy: shrug\n", "failure_policy"},
		{"unknown provider", "upstream:\n  provider: carrier-pigeon\n", "invalid upstream.provider"},
		{"openai without model", "upstream:\n  provider: openai\n  api_key: k\n", "upstream.model is required"},
		{"openai without key", "upstream:\n  provider: openai\n  model: m\n", "upstream.api_key is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cq.ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := cq.ParseConfig([]byte("quota: [unclosed"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config")
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatquota.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))

	cfg, err := cq.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	_, err = cq.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestQuotaConfig_Clock(t *testing.T) {
	c, err := cq.QuotaConfig{}.Clock()
	require.NoError(t, err)
	assert.Equal(t, time.Local, c.Location)

	c, err = cq.QuotaConfig{Timezone: "Europe/Berlin"}.Clock()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", c.Location.String())

	_, err = cq.QuotaConfig{Timezone: "Mars/Olympus"}.Clock()
	assert.Error(t, err)
}

func TestServerConfig_AssemblerOptions(t *testing.T) {
	fail := source.Failing(errors.New("reset"), "partial")

	asm := cq.NewAssembler(cq.ServerConfig{FailurePolicy: "apology"}.AssemblerOptions()...)
	var last cq.Snapshot
	for snap := range asm.Consume(context.Background(), "t1", fail) {
		last = snap
	}
	assert.Equal(t, cq.DefaultApology, last.Reply.Content)

	asm = cq.NewAssembler(cq.ServerConfig{FailurePolicy: "preserve", FragmentTimeout: 10 * time.Millisecond}.AssemblerOptions()...)
	for snap := range asm.Consume(context.Background(), "t1", source.FromChan(make(chan string))) {
		last = snap
	}
	assert.ErrorIs(t, last.Err, cq.ErrFragmentTimeout)
}
