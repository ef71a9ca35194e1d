package bot

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"media-fetch-bot/shared"
)

// Command returns the `bot` subcommand
func Command(config func() *shared.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram front-end (format selection and job submission)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), config())
		},
	}
}

// Run polls Telegram for updates until ctx is cancelled
func Run(ctx context.Context, cfg *shared.Config) error {
	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	rdb := shared.NewRedisClient(cfg)
	if err := shared.PingRedis(ctx, rdb); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	if rdb == nil {
		log.Warn().Msg("REDIS_ADDR not set, jobs will not reach workers in other processes")
	}
	queue := shared.NewQueue(cfg, rdb)
	defer queue.Close()

	bot, err := shared.NewBot(cfg.BotToken)
	if err != nil {
		return err
	}
	log.Info().Str("username", bot.GetAPI().Self.UserName).Msg("bot started")

	handler := NewHandler(bot, shared.NewYtDlp(cfg.YtDlpPath, time.Second), shared.NewChoiceStore(cfg, rdb), queue, cfg)

	updates := bot.GetUpdatesChan(60)
	serveUpdates(ctx, updates, cfg.BotConcurrency, handler.HandleUpdate)
	bot.StopReceivingUpdates()
	log.Info().Msg("bot stopped")
	return nil
}

// serveUpdates runs handle for each update with at most limit running at once, and
// returns after ctx ends or updates is closed and the running handlers finished.
func serveUpdates(ctx context.Context, updates <-chan tgbotapi.Update, limit int, handle func(context.Context, tgbotapi.Update)) {
	if limit <= 0 {
		limit = shared.DefaultBotConcurrency
	}
	limiter := make(chan struct{}, limit)
	var running sync.WaitGroup
	defer running.Wait()

	for {
		// take a token first so a burst of links queues in Telegram rather than here
		select {
		case limiter <- struct{}{}:
		case <-ctx.Done():
			return
		}
		select {
		case <-ctx.Done():
			<-limiter
			return
		case update, ok := <-updates:
			if !ok {
				<-limiter
				return
			}
			running.Add(1)
			// format listing takes seconds; keep the update loop free
			go func() {
				defer func() {
					<-limiter
					running.Done()
				}()
				handle(ctx, update)
			}()
		}
	}
}
