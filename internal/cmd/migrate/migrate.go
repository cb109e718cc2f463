package migrate

import (
	"context"

	"github.com/antigravity/cortex/internal/config"
	registrymigrate "github.com/antigravity/cortex/internal/registry/migrate"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/antigravity/cortex/internal/plugin/store/postgres"
	_ "github.com/antigravity/cortex/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("CORTEX_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CORTEX_DB_KIND"),
				Usage:   "Store backend (postgres|sqlite)",
				Value:   "postgres",
			},
			&cli.IntFlag{
				Name:    "embedding-dim",
				Sources: cli.EnvVars("CORTEX_EMBEDDING_DIM"),
				Usage:   "Embedding dimensionality baked into the vector column",
				Value:   768,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DatabaseURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.EmbeddingDim = cmd.Int("embedding-dim")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
