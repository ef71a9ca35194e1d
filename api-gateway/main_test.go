package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-fetch-bot/shared"
)

const testAdminToken = "s3cret"

func newTestServer(t *testing.T, rpm int) (*Server, *shared.InMemoryCache) {
	cfg := &shared.Config{
		AdminToken:        testAdminToken,
		AdminRateLimitRPM: rpm,
		AllowedOrigins:    []string{"https://admin.example.com"},
		QueueName:         "downloads",
	}
	cache := shared.NewInMemoryCache()
	mq := shared.NewInMemoryQueue(10)
	t.Cleanup(mq.Close)
	return NewServer(cfg, cache, mq, nil), cache
}

func adminRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func cacheQuery(u, formatID string) string {
	return url.Values{"url": {u}, "format_id": {formatID}}.Encode()
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, 0)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAdminRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, 0)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/admin/queue", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/queue", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)
}

func TestAdminQueue(t *testing.T) {
	s, _ := newTestServer(t, 0)
	_, err := s.mq.Publish(context.Background(), shared.JobMessage{JobID: "j"})
	require.NoError(t, err)

	rec := serve(s, adminRequest(http.MethodGet, "/admin/queue"))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "downloads", body["queue"])
	assert.EqualValues(t, 1, body["length"])
}

func TestAdminCacheLifecycle(t *testing.T) {
	s, cache := newTestServer(t, 0)
	ctx := context.Background()
	_, err := cache.Insert(ctx, "https://youtu.be/a", "18", "FILE-A")
	require.NoError(t, err)

	rec := serve(s, adminRequest(http.MethodGet, "/admin/cache"))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []shared.CacheEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "FILE-A", entries[0].FileID)

	rec = serve(s, adminRequest(http.MethodGet, "/admin/cache/lookup?"+cacheQuery("https://youtu.be/a", "18")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FILE-A")

	rec = serve(s, adminRequest(http.MethodGet, "/admin/cache/lookup?"+cacheQuery("https://youtu.be/a", "22")))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, adminRequest(http.MethodGet, "/admin/cache/lookup?url=x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, adminRequest(http.MethodDelete, "/admin/cache?"+cacheQuery("https://youtu.be/a", "18")))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(s, adminRequest(http.MethodDelete, "/admin/cache?"+cacheQuery("https://youtu.be/a", "18")))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = cache.Lookup(ctx, "https://youtu.be/a", "18")
	assert.ErrorIs(t, err, shared.ErrCacheMiss)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/admin/cache", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	rec := serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/admin/cache", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = serve(s, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminRateLimit(t *testing.T) {
	s, _ := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(s, adminRequest(http.MethodGet, "/admin/queue")).Code)
	}
	rec := serve(s, adminRequest(http.MethodGet, "/admin/queue"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestAdminRateLimiterRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewAdminRateLimiter(1, client)
	ok, remaining := l.Allow(context.Background(), "10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
	ok, _ = l.Allow(context.Background(), "10.0.0.1")
	assert.False(t, ok)

	// a different client has its own budget
	ok, _ = l.Allow(context.Background(), "10.0.0.2")
	assert.True(t, ok)

	assert.True(t, mr.Exists(l.minuteKey("10.0.0.1")))
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", GetClientIP(req))
}
