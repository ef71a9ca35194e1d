package shared

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

// Messenger sends and edits plain status messages
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// Transport uploads a local file to a chat and returns the Telegram file_id
type Transport interface {
	SendFile(ctx context.Context, chatID int64, path, caption string, progress chan<- ProgressEvent) (string, error)
}

// HandleSender re-sends an already uploaded file by its file_id
type HandleSender interface {
	SendByHandle(ctx context.Context, chatID int64, fileID, caption string) (string, error)
}

// LocalBotAPIMaxUpload is the upload ceiling of a telegram-bot-api server in --local mode
const LocalBotAPIMaxUpload int64 = 2000 * 1024 * 1024

// Bot wraps the Telegram Bot API. The same type backs the public endpoint (small files,
// file_id resends, status messages) and a self-hosted --local server (large files).
type Bot struct {
	api *tgbotapi.BotAPI
}

// NewBot creates a bot talking to api.telegram.org
func NewBot(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}
	return &Bot{api: api}, nil
}

// NewLocalBot creates a bot talking to a self-hosted Bot API server at baseURL
func NewLocalBot(token, baseURL string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, baseURL+"/bot%s/%s")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local bot api client")
	}
	return &Bot{api: api}, nil
}

// GetAPI returns the underlying BotAPI
func (b *Bot) GetAPI() *tgbotapi.BotAPI {
	return b.api
}

// Send sends a plain text message and returns its id
func (b *Bot) Send(ctx context.Context, chatID int64, text string) (int, error) {
	return b.SendMessage(ctx, chatID, text, "", nil)
}

// SendMessage sends a text message with an optional parse mode and reply markup
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text, parseMode string, replyMarkup interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	if replyMarkup != nil {
		msg.ReplyMarkup = replyMarkup
	}
	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit replaces the text of a message
func (b *Bot) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

// AnswerCallback answers a callback query
func (b *Bot) AnswerCallback(callbackID string) error {
	_, err := b.api.Request(tgbotapi.NewCallback(callbackID, ""))
	return err
}

// GetUpdatesChan returns a channel for receiving updates
func (b *Bot) GetUpdatesChan(timeout int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	return b.api.GetUpdatesChan(u)
}

// StopReceivingUpdates stops receiving updates
func (b *Bot) StopReceivingUpdates() {
	b.api.StopReceivingUpdates()
}

// SendByHandle sends a document by file_id
func (b *Bot) SendByHandle(ctx context.Context, chatID int64, fileID, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileID(fileID))
	doc.Caption = caption
	sent, err := b.api.Send(doc)
	if err != nil {
		return "", err
	}
	if id, err := fileIDOf(sent); err == nil {
		return id, nil
	}
	// accepted by Telegram, so the handle we sent is still good
	return fileID, nil
}

// SendFile uploads path as a document, streaming it so upload progress can be reported
func (b *Bot) SendFile(ctx context.Context, chatID int64, path, caption string, progress chan<- ProgressEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open artifact")
	}
	defer f.Close()

	var total int64
	if st, err := f.Stat(); err == nil {
		total = st.Size()
	}

	var body io.Reader = f
	if progress != nil {
		body = &progressReader{r: f, total: total, progress: progress}
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: filepath.Base(path), Reader: body})
	doc.Caption = caption
	sent, err := b.api.Send(doc)
	if err != nil {
		return "", err
	}
	return fileIDOf(sent)
}

// fileIDOf extracts the remote handle. Telegram may classify a document as video/audio.
func fileIDOf(msg tgbotapi.Message) (string, error) {
	switch {
	case msg.Document != nil && msg.Document.FileID != "":
		return msg.Document.FileID, nil
	case msg.Video != nil && msg.Video.FileID != "":
		return msg.Video.FileID, nil
	case msg.Audio != nil && msg.Audio.FileID != "":
		return msg.Audio.FileID, nil
	case msg.Animation != nil && msg.Animation.FileID != "":
		return msg.Animation.FileID, nil
	}
	return "", errors.Wrap(ErrDeliveryFailed, "response carried no file handle")
}

// IsRejected reports whether err is a Telegram 400, i.e. retrying the same request is pointless
func IsRejected(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == 400
	}
	return false
}

// progressReader counts bytes read by the multipart uploader
type progressReader struct {
	r        io.Reader
	total    int64
	read     atomic.Int64
	progress chan<- ProgressEvent
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		read := p.read.Add(int64(n))
		select {
		case p.progress <- ProgressEvent{Phase: PhaseUpload, Bytes: read, Total: p.total, Done: err == io.EOF}:
		default:
		}
	}
	return n, err
}
