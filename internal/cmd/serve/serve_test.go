package serve

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity/cortex/internal/config"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

// newTestCommand wires the serve flag set to a no-op action so flag
// parsing can be exercised without starting a server.
func newTestCommand(cfg *config.Config) *cli.Command {
	var apiKey, apiKeys string
	return &cli.Command{
		Name:   "serve-test",
		Flags:  flags(cfg, &apiKey, &apiKeys),
		Action: func(context.Context, *cli.Command) error { return nil },
	}
}

func TestFlags_RecognizedConfigKeys(t *testing.T) {
	cfg := config.DefaultConfig()
	cmd := newTestCommand(&cfg)

	err := cmd.Run(context.Background(), []string{
		"serve-test",
		"--db-url", "file::memory:",
		"--per-user-concurrency", "2",
		"--request-timeout-seconds", "7",
		"--state-freshness-window-seconds", "3600",
	})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.PerUserConcurrency)
	require.Equal(t, 7*time.Second, cfg.RequestTimeout)
	require.Equal(t, time.Hour, cfg.StateFreshnessWindow)
}

func TestFlags_DatabaseURLEnv(t *testing.T) {
	t.Setenv("CORTEX_DATABASE_URL", "postgres://example/cortex")
	cfg := config.DefaultConfig()
	cmd := newTestCommand(&cfg)

	require.NoError(t, cmd.Run(context.Background(), []string{"serve-test"}))
	require.Equal(t, "postgres://example/cortex", cfg.DatabaseURL)
}

func TestFlags_PerUserConcurrencyEnv(t *testing.T) {
	t.Setenv("CORTEX_PER_USER_CONCURRENCY", "3")
	cfg := config.DefaultConfig()
	cmd := newTestCommand(&cfg)

	require.NoError(t, cmd.Run(context.Background(), []string{"serve-test", "--db-url", "file::memory:"}))
	require.Equal(t, 3, cfg.PerUserConcurrency)
}
