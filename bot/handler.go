package bot

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"media-fetch-bot/shared"
)

const (
	textStart           = "Hi! Send me a link and I will collect the available formats."
	textSendLink        = "Send a link to a video."
	textHostNotAllowed  = "Links from this site are not supported."
	textCollecting      = "Collecting formats..."
	textBadCallback     = "Invalid data."
	textChoiceExpired   = "Selection expired. Send the link again."
	textBadFormat       = "Invalid format."
	textQueueDown       = "The download queue is unavailable right now. Please try again later."
	textQueuedWithPlace = "Added to the queue. Current position: %d."
)

// ChatAPI is the subset of shared.Bot the front-end uses
type ChatAPI interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string, replyMarkup interface{}) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	AnswerCallback(callbackID string) error
}

// FormatLister lists the formats of a URL
type FormatLister interface {
	ListFormats(ctx context.Context, url string) (*shared.MediaInfo, error)
}

// Handler handles Telegram bot updates
type Handler struct {
	api     ChatAPI
	lister  FormatLister
	choices shared.ChoiceStore
	queue   shared.MessageQueueClient
	config  *shared.Config
	now     func() time.Time
}

// NewHandler creates a new Telegram handler
func NewHandler(api ChatAPI, lister FormatLister, choices shared.ChoiceStore, queue shared.MessageQueueClient, config *shared.Config) *Handler {
	return &Handler{
		api:     api,
		lister:  lister,
		choices: choices,
		queue:   queue,
		config:  config,
		now:     time.Now,
	}
}

// HandleUpdate handles a Telegram update
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	// Handle callback queries (button presses)
	if update.CallbackQuery != nil {
		h.handleCallbackQuery(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil {
		return
	}

	chatID := update.Message.Chat.ID
	text := strings.TrimSpace(update.Message.Text)
	switch {
	case text == "":
		return
	case update.Message.IsCommand():
		switch update.Message.Command() {
		case "start", "help":
			h.reply(ctx, chatID, textStart)
		}
	default:
		h.handleLink(ctx, chatID, text)
	}
}

// extractURL returns the first word of text if it is an http(s) URL
func extractURL(text string) (*url.URL, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, false
	}
	u, err := url.Parse(fields[0])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

func (h *Handler) handleLink(ctx context.Context, chatID int64, text string) {
	u, ok := extractURL(text)
	if !ok {
		h.reply(ctx, chatID, textSendLink)
		return
	}
	if !h.config.HostAllowed(u.Hostname()) {
		h.reply(ctx, chatID, textHostNotAllowed)
		return
	}
	link := u.String()

	statusID, _ := h.api.SendMessage(ctx, chatID, textCollecting, "", nil)

	info, err := h.lister.ListFormats(ctx, link)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Str("url", link).Msg("list formats failed")
		h.reply(ctx, chatID, "Could not get formats. "+shared.UserMessage(err, h.config.TmpDir, h.config.BotToken))
		return
	}

	set := shared.ChoiceSet{URL: link, Title: info.Title, Candidates: shared.BuildCandidates(*info)}
	token, err := h.choices.Put(ctx, set)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("store choices failed")
		h.reply(ctx, chatID, textQueueDown)
		return
	}

	caption := fmt.Sprintf("Formats for <b>%s</b>:", html.EscapeString(info.Title))
	if _, err := h.api.SendMessage(ctx, chatID, caption, tgbotapi.ModeHTML, FormatKeyboard(token, set.Candidates)); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("send keyboard failed")
		return
	}
	if statusID != 0 {
		_ = h.api.Edit(ctx, chatID, statusID, fmt.Sprintf("Found %d formats.", len(set.Candidates)))
	}
}

func (h *Handler) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	// Answer callback
	_ = h.api.AnswerCallback(callback.ID)
	if callback.Message == nil || callback.From == nil {
		return
	}
	chatID := callback.Message.Chat.ID
	messageID := callback.Message.MessageID

	token, idx, err := ParseCallbackData(callback.Data)
	if err != nil {
		h.edit(ctx, chatID, messageID, textBadCallback)
		return
	}

	pos, err := h.Submit(ctx, chatID, callback.From.ID, token, idx)
	switch {
	case err == nil:
		h.edit(ctx, chatID, messageID, fmt.Sprintf(textQueuedWithPlace, pos))
	case errors.Is(err, shared.ErrChoiceNotFound):
		h.edit(ctx, chatID, messageID, textChoiceExpired)
	case errors.Is(err, shared.ErrIndexOutOfRange):
		h.edit(ctx, chatID, messageID, textBadFormat)
	default:
		log.Error().Err(err).Int64("chat_id", chatID).Msg("enqueue failed")
		h.edit(ctx, chatID, messageID, textQueueDown)
	}
}

// Submit resolves the chosen candidate and enqueues a job. It returns the queue position.
func (h *Handler) Submit(ctx context.Context, chatID, userID int64, token string, index int) (int64, error) {
	set, err := h.choices.Get(ctx, token)
	if err != nil {
		return 0, err
	}
	candidate, err := set.Candidate(index)
	if err != nil {
		return 0, err
	}

	msg := shared.JobMessage{
		JobID:      uuid.NewString(),
		ChatID:     chatID,
		UserID:     userID,
		URL:        set.URL,
		FormatID:   candidate.FormatID,
		Title:      set.Title,
		EnqueuedAt: h.now().UTC(),
	}
	pos, err := h.queue.Publish(ctx, msg)
	if err != nil {
		return 0, errors.Wrap(err, "publish job")
	}
	log.Info().Str("job_id", msg.JobID).Int64("chat_id", chatID).Str("format_id", msg.FormatID).Int64("position", pos).Msg("job enqueued")
	return pos, nil
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if _, err := h.api.SendMessage(ctx, chatID, text, "", nil); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("send failed")
	}
}

func (h *Handler) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if err := h.api.Edit(ctx, chatID, messageID, text); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("edit failed")
	}
}
