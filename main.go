package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	gateway "media-fetch-bot/api-gateway"
	"media-fetch-bot/bot"
	"media-fetch-bot/initdb"
	"media-fetch-bot/shared"
	"media-fetch-bot/worker"
)

func main() {
	var cfg *shared.Config
	config := func() *shared.Config { return cfg }

	root := &cobra.Command{
		Use:           "fetchbot",
		Short:         "Telegram media download bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = shared.LoadConfig()
			shared.SetupLogging(cfg.LogLevel, cfg.LogPretty)
		},
	}
	root.AddCommand(bot.Command(config), worker.Command(config), gateway.Command(config), initdb.Command(config))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("fatal")
		stop()
		os.Exit(1)
	}
}
