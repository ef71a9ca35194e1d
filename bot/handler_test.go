package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-fetch-bot/shared"
)

type chatMessage struct {
	Text      string
	ParseMode string
	Markup    interface{}
}

type fakeChat struct {
	mu       sync.Mutex
	sent     []chatMessage
	edits    []string
	answered []string
}

func (c *fakeChat) SendMessage(ctx context.Context, chatID int64, text, parseMode string, replyMarkup interface{}) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chatMessage{Text: text, ParseMode: parseMode, Markup: replyMarkup})
	return len(c.sent), nil
}

func (c *fakeChat) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, text)
	return nil
}

func (c *fakeChat) AnswerCallback(callbackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = append(c.answered, callbackID)
	return nil
}

type fakeLister struct {
	info *shared.MediaInfo
	err  error
}

func (l *fakeLister) ListFormats(ctx context.Context, url string) (*shared.MediaInfo, error) {
	return l.info, l.err
}

func sampleInfo() *shared.MediaInfo {
	formats := []shared.MediaFormat{}
	for _, h := range shared.PreferredHeights {
		formats = append(formats, shared.MediaFormat{FormatID: fmt.Sprintf("f%d", h), Ext: "mp4", Height: h, FileSize: int64(h) * 10000})
	}
	return &shared.MediaInfo{Title: "Cats & <Dogs>", Formats: formats}
}

type handlerFixture struct {
	h       *Handler
	chat    *fakeChat
	lister  *fakeLister
	choices *shared.InMemoryChoiceStore
	queue   *shared.InMemoryQueue
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	f := &handlerFixture{
		chat:    &fakeChat{},
		lister:  &fakeLister{info: sampleInfo()},
		choices: shared.NewInMemoryChoiceStore(shared.DefaultChoiceTTL),
		queue:   shared.NewInMemoryQueue(10),
	}
	cfg := &shared.Config{AllowedVideoHosts: []string{"youtube.com", "youtu.be"}, TmpDir: "/tmp/ytdlp", BotToken: "1:SECRET"}
	f.h = NewHandler(f.chat, f.lister, f.choices, f.queue, cfg)
	t.Cleanup(f.queue.Close)
	return f
}

func textUpdate(text string) tgbotapi.Update {
	msg := &tgbotapi.Message{Text: text, Chat: &tgbotapi.Chat{ID: 42}}
	if len(text) > 0 && text[0] == '/' {
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}}
	}
	return tgbotapi.Update{Message: msg}
}

func (f *handlerFixture) putChoices(t *testing.T) string {
	token, err := f.choices.Put(context.Background(), shared.ChoiceSet{
		URL:        "https://youtu.be/abc",
		Title:      "Clip",
		Candidates: shared.BuildCandidates(*sampleInfo()),
	})
	require.NoError(t, err)
	return token
}

func TestStartCommand(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.HandleUpdate(context.Background(), textUpdate("/start"))
	require.Len(t, f.chat.sent, 1)
	assert.Equal(t, textStart, f.chat.sent[0].Text)
}

func TestHandleLinkSendsKeyboard(t *testing.T) {
	f := newHandlerFixture(t)
	f.h.HandleUpdate(context.Background(), textUpdate("https://www.youtube.com/watch?v=abc please"))

	require.Len(t, f.chat.sent, 2)
	assert.Equal(t, textCollecting, f.chat.sent[0].Text)
	kbMsg := f.chat.sent[1]
	assert.Equal(t, "Formats for <b>Cats &amp; &lt;Dogs&gt;</b>:", kbMsg.Text)
	assert.Equal(t, tgbotapi.ModeHTML, kbMsg.ParseMode)

	kb, ok := kbMsg.Markup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, kb.InlineKeyboard, len(shared.PreferredHeights)+2)
	assert.Equal(t, []string{"Found 8 formats."}, f.chat.edits)
}

func TestHandleLinkRejectsInput(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"hello there", textSendLink},
		{"ftp://youtube.com/x", textSendLink},
		{"https://vimeo.com/123", textHostNotAllowed},
	}
	for _, tt := range tests {
		f := newHandlerFixture(t)
		f.h.HandleUpdate(context.Background(), textUpdate(tt.text))
		require.Len(t, f.chat.sent, 1, tt.text)
		assert.Equal(t, tt.want, f.chat.sent[0].Text)
	}
}

func TestHandleLinkListFailureIsScrubbed(t *testing.T) {
	f := newHandlerFixture(t)
	f.lister.err = errors.Wrap(shared.ErrExtraction, "HTTP Error 403 at /tmp/ytdlp/ytdlp_1/x.part")
	f.h.HandleUpdate(context.Background(), textUpdate("https://youtu.be/abc"))

	last := f.chat.sent[len(f.chat.sent)-1].Text
	assert.Contains(t, last, "Could not get formats.")
	assert.NotContains(t, last, "/tmp/ytdlp")
}

func TestSubmitEnqueues(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.putChoices(t)

	pos, err := f.h.Submit(context.Background(), 42, 7, token, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)

	// a replayed press enqueues again
	pos, err = f.h.Submit(context.Background(), 42, 7, token, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	d, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://youtu.be/abc", d.Message.URL)
	assert.Equal(t, int64(42), d.Message.ChatID)
	assert.Equal(t, int64(7), d.Message.UserID)
	assert.Equal(t, shared.BuildCandidates(*sampleInfo())[2].FormatID, d.Message.FormatID)
	assert.NotEmpty(t, d.Message.JobID)
}

func TestSubmitErrors(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.putChoices(t)

	_, err := f.h.Submit(context.Background(), 42, 7, "unknown", 0)
	assert.True(t, errors.Is(err, shared.ErrChoiceNotFound))

	_, err = f.h.Submit(context.Background(), 42, 7, token, 99)
	assert.True(t, errors.Is(err, shared.ErrIndexOutOfRange))

	f.queue.Close()
	_, err = f.h.Submit(context.Background(), 42, 7, token, 0)
	assert.True(t, errors.Is(err, shared.ErrQueueUnavailable))
}

func TestCallbackQueryReplies(t *testing.T) {
	f := newHandlerFixture(t)
	token := f.putChoices(t)

	press := func(data string) string {
		f.h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb",
			From:    &tgbotapi.User{ID: 7},
			Message: &tgbotapi.Message{MessageID: 5, Chat: &tgbotapi.Chat{ID: 42}},
			Data:    data,
		}})
		return f.chat.edits[len(f.chat.edits)-1]
	}

	assert.Equal(t, "Added to the queue. Current position: 1.", press(CallbackData(token, 0)))
	assert.Equal(t, textChoiceExpired, press(CallbackData("gone", 0)))
	assert.Equal(t, textBadFormat, press(CallbackData(token, 42)))
	assert.Equal(t, textBadCallback, press("nonsense"))
	assert.Len(t, f.chat.answered, 4)
}
