package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-fetch-bot/shared"
)

func newTestService(t *testing.T, f *orchFixture, maxWorkers int) (*Service, *shared.InMemoryQueue) {
	cfg := &shared.Config{MaxWorkers: maxWorkers}
	mq := shared.NewInMemoryQueue(10)
	journal, err := shared.OpenFailureJournal(filepath.Join(t.TempDir(), "failures"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return NewService(cfg, mq, f.orch, journal), mq
}

func TestQueueConsumerProcessesJobs(t *testing.T) {
	f := newOrchFixture(t)
	svc, mq := newTestService(t, f, 2)

	for _, url := range []string{"https://youtu.be/a", "https://youtu.be/b", "https://youtu.be/c"} {
		_, err := mq.Publish(context.Background(), job(url, "18"))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.startQueueConsumer(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.extractor.fetchCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	svc.jobs.Wait()

	for _, url := range []string{"https://youtu.be/a", "https://youtu.be/b", "https://youtu.be/c"} {
		_, err := f.cache.Lookup(context.Background(), url, "18")
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, len(svc.workerLimiter))
}

func TestProcessJobRecoversFromPanic(t *testing.T) {
	f := newOrchFixture(t)
	f.extractor.panics = true
	svc, _ := newTestService(t, f, 1)

	assert.NotPanics(t, func() {
		svc.processJob(context.Background(), &shared.Delivery{ID: "1", Message: job("https://youtu.be/a", "18")})
	})

	recs := f.failures.all()
	require.Len(t, recs, 1)
	assert.Equal(t, shared.StageFailed, recs[0].Stage)
	texts := f.messenger.texts()
	assert.Equal(t, "Error: internal error: extractor exploded", texts[len(texts)-1])
}

func TestHealthHandler(t *testing.T) {
	f := newOrchFixture(t)
	svc, mq := newTestService(t, f, 3)
	_, err := mq.Publish(context.Background(), job("https://youtu.be/a", "18"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "0/3", body["active_workers"])
	assert.Equal(t, "1", body["queue_length"])
}

func TestFailuresHandler(t *testing.T) {
	f := newOrchFixture(t)
	svc, _ := newTestService(t, f, 1)
	require.NoError(t, svc.journal.Record(shared.FailureRecord{JobID: "a", Stage: shared.StageDeliver, Error: "x"}))
	time.Sleep(time.Millisecond)
	require.NoError(t, svc.journal.Record(shared.FailureRecord{JobID: "b", Stage: shared.StageFullDownload, Error: "y"}))

	rec := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/failures?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []shared.FailureRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].JobID)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newOrchFixture(t)
	svc, _ := newTestService(t, f, 1)
	f.orch.Process(context.Background(), job("https://youtu.be/m", "18"))

	rec := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fetchbot_jobs_total"))
}

// touchCountingQueue records heartbeats and acks
type touchCountingQueue struct {
	*shared.InMemoryQueue
	touches       atomic.Int32
	touchAfterAck atomic.Bool
	acked         atomic.Bool
}

func (q *touchCountingQueue) Touch(ctx context.Context, d *shared.Delivery) error {
	q.touches.Add(1)
	if q.acked.Load() {
		q.touchAfterAck.Store(true)
	}
	return nil
}

func (q *touchCountingQueue) Ack(ctx context.Context, d *shared.Delivery) error {
	q.acked.Store(true)
	return nil
}

func TestProcessJobHeartbeatsUntilAck(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.Extractor = extractorFunc(func(destDir string) error {
		time.Sleep(150 * time.Millisecond)
		return os.WriteFile(destDir+"/x.mp4", []byte("data"), 0o644)
	})
	q := &touchCountingQueue{InMemoryQueue: shared.NewInMemoryQueue(1)}
	t.Cleanup(q.Close)
	svc := NewService(&shared.Config{MaxWorkers: 1, QueueReclaimIdle: 30 * time.Millisecond}, q, f.orch, nil)

	svc.processJob(context.Background(), &shared.Delivery{ID: "1", Message: job("https://youtu.be/a", "18")})

	assert.True(t, q.acked.Load())
	assert.GreaterOrEqual(t, q.touches.Load(), int32(3))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, q.touchAfterAck.Load())
}

func TestProcessJobWithoutReclaimSkipsHeartbeat(t *testing.T) {
	f := newOrchFixture(t)
	q := &touchCountingQueue{InMemoryQueue: shared.NewInMemoryQueue(1)}
	t.Cleanup(q.Close)
	svc := NewService(&shared.Config{MaxWorkers: 1}, q, f.orch, nil)

	svc.processJob(context.Background(), &shared.Delivery{ID: "1", Message: job("https://youtu.be/a", "18")})
	assert.Equal(t, int32(0), q.touches.Load())
}
