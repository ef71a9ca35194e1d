package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"media-fetch-bot/shared"
)

type sentText struct {
	ChatID int64
	Text   string
}

// fakeMessenger records every message and edit
type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentText
	edits   []string
	nextID  int
	sendErr error
	editErr error
	// editDelay slows every edit down like a rate-limited API
	editDelay time.Duration
}

func (m *fakeMessenger) Send(ctx context.Context, chatID int64, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.nextID++
	m.sent = append(m.sent, sentText{ChatID: chatID, Text: text})
	return m.nextID, nil
}

func (m *fakeMessenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if m.editDelay > 0 {
		time.Sleep(m.editDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return m.editErr
	}
	m.edits = append(m.edits, text)
	return nil
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Text)
	}
	return out
}

func (m *fakeMessenger) editTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.edits...)
}

// fakeExtractor writes sparse files of the given sizes into destDir
type fakeExtractor struct {
	mu      sync.Mutex
	files   map[string]int64
	err     error
	panics  bool
	fetches int
	dirs    []string
	// events are pushed to the progress channel before returning
	events []shared.ProgressEvent
}

func (e *fakeExtractor) ListFormats(ctx context.Context, url string) (*shared.MediaInfo, error) {
	return &shared.MediaInfo{Title: "Clip"}, nil
}

func (e *fakeExtractor) Fetch(ctx context.Context, url, formatID, destDir string, progress chan<- shared.ProgressEvent) error {
	e.mu.Lock()
	e.fetches++
	e.dirs = append(e.dirs, destDir)
	e.mu.Unlock()
	if e.panics {
		panic("extractor exploded")
	}
	if e.err != nil {
		return e.err
	}
	for name, size := range e.files {
		path := filepath.Join(destDir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	events := e.events
	if events == nil {
		events = []shared.ProgressEvent{{Phase: shared.PhaseDownload, Bytes: 10, Total: 100}}
	}
	for _, ev := range events {
		select {
		case progress <- ev:
		default:
		}
	}
	return nil
}

func (e *fakeExtractor) fetchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetches
}

// fakeTransport returns handle for every upload
type fakeTransport struct {
	mu     sync.Mutex
	handle string
	err    error
	paths  []string
}

func (t *fakeTransport) SendFile(ctx context.Context, chatID int64, path, caption string, progress chan<- shared.ProgressEvent) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
	if t.err != nil {
		return "", t.err
	}
	return t.handle, nil
}

func (t *fakeTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

// fakeHandleSender replays errs in order, then succeeds
type fakeHandleSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []string
}

func (h *fakeHandleSender) SendByHandle(ctx context.Context, chatID int64, fileID, caption string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		if err != nil {
			return "", err
		}
	}
	h.sent = append(h.sent, fileID)
	return fileID, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []shared.FailureRecord
}

func (r *fakeRecorder) Record(rec shared.FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) all() []shared.FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shared.FailureRecord(nil), r.records...)
}

// brokenCache fails every call
type brokenCache struct{}

func (brokenCache) Lookup(ctx context.Context, url, formatID string) (string, error) {
	return "", errors.Wrap(shared.ErrCacheBackendUnavailable, "connection refused")
}

func (brokenCache) Insert(ctx context.Context, url, formatID, fileID string) (bool, error) {
	return false, errors.Wrap(shared.ErrCacheBackendUnavailable, "connection refused")
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchive) Store(ctx context.Context, path, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return nil
}
