package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"media-fetch-bot/shared"
)

const (
	textStarting         = "Starting download..."
	textDownloadFinished = "Download finished. Processing..."
	textDone             = "Done"
)

// ProgressReporter edits one status message in place. Edits are throttled, identical
// text is never re-sent and edit failures are only logged.
type ProgressReporter struct {
	messenger shared.Messenger
	chatID    int64
	messageID int
	limiter   *rate.Limiter
	log       zerolog.Logger

	// set by Start; status texts then go through Run so they stay ordered with events
	status  chan statusRequest
	stopped chan struct{}

	mu   sync.Mutex
	last string
}

type statusRequest struct {
	text string
	done chan struct{}
}

// NewProgressReporter returns a reporter for an existing message. A zero messageID
// disables edits.
func NewProgressReporter(m shared.Messenger, chatID int64, messageID int, interval time.Duration, logger zerolog.Logger) *ProgressReporter {
	if interval <= 0 {
		interval = shared.DefaultProgressInterval
	}
	return &ProgressReporter{
		messenger: m,
		chatID:    chatID,
		messageID: messageID,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		log:       logger,
	}
}

// Start runs the reporter on events in its own goroutine. The returned func stops it
// after the buffered events are handled; it is safe to call more than once.
func (p *ProgressReporter) Start(ctx context.Context, events <-chan shared.ProgressEvent) func() {
	stop := make(chan struct{})
	p.status = make(chan statusRequest)
	p.stopped = make(chan struct{})
	go func() {
		defer close(p.stopped)
		p.Run(ctx, events, stop)
	}()
	return sync.OnceFunc(func() {
		close(stop)
		<-p.stopped
	})
}

// Run consumes events until stop is closed or ctx ends, then drains what is buffered
func (p *ProgressReporter) Run(ctx context.Context, events <-chan shared.ProgressEvent, stop <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			p.Handle(ctx, ev)
		case req := <-p.status:
			// events queued before the status change must not overwrite it
			p.drain(ctx, events)
			p.apply(ctx, req.text)
			close(req.done)
		case <-stop:
			p.drain(ctx, events)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *ProgressReporter) drain(ctx context.Context, events <-chan shared.ProgressEvent) {
	for {
		select {
		case ev := <-events:
			p.Handle(ctx, ev)
		default:
			return
		}
	}
}

// Handle renders one event. A completed download is always shown; others are throttled.
func (p *ProgressReporter) Handle(ctx context.Context, ev shared.ProgressEvent) {
	if ev.Phase == shared.PhaseDownload && ev.Done {
		p.apply(ctx, textDownloadFinished)
		return
	}
	text := RenderProgress(ev)
	p.mu.Lock()
	same := text == p.last
	p.mu.Unlock()
	if same || !p.limiter.Allow() {
		return
	}
	p.apply(ctx, text)
}

// Set shows text unthrottled. While the reporter is running the text is applied by Run
// after every event sent before it.
func (p *ProgressReporter) Set(ctx context.Context, text string) {
	if p.messageID == 0 {
		return
	}
	if p.status != nil {
		req := statusRequest{text: text, done: make(chan struct{})}
		select {
		case p.status <- req:
			select {
			case <-req.done:
			case <-p.stopped:
			}
			return
		case <-p.stopped:
		case <-ctx.Done():
			return
		}
	}
	p.apply(ctx, text)
}

// apply edits the message unless it already shows text
func (p *ProgressReporter) apply(ctx context.Context, text string) {
	if p.messageID == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if text == p.last {
		return
	}
	if err := p.messenger.Edit(ctx, p.chatID, p.messageID, text); err != nil {
		p.log.Debug().Err(err).Msg("progress edit failed")
		return
	}
	p.last = text
}

// RenderProgress formats an event as status text
func RenderProgress(ev shared.ProgressEvent) string {
	done := humanize.IBytes(uint64(max(ev.Bytes, 0)))
	switch ev.Phase {
	case shared.PhaseUpload:
		if ev.Total > 0 {
			return fmt.Sprintf("Uploading to Telegram: %d%% (%s / %s)", percent(ev), done, humanize.IBytes(uint64(ev.Total)))
		}
		return fmt.Sprintf("Uploading to Telegram: %s", done)
	default:
		if ev.Total > 0 {
			return fmt.Sprintf("Downloading: %d%% (%s / %s)", percent(ev), done, humanize.IBytes(uint64(ev.Total)))
		}
		return fmt.Sprintf("Downloaded: %s", done)
	}
}

func percent(ev shared.ProgressEvent) int64 {
	p := ev.Bytes * 100 / ev.Total
	return min(max(p, 0), 100)
}
