// Package initdb creates the result cache schema in Postgres.
package initdb

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"media-fetch-bot/shared"
)

// Command returns the `initdb` subcommand
func Command(config func() *shared.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the downloads table and its unique index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), config())
		},
	}
}

func Run(ctx context.Context, cfg *shared.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := shared.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := shared.NewPostgresCache(pool).EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("DB initialized")
	return nil
}
