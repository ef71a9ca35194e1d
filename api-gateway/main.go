// api-gateway/main.go
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"media-fetch-bot/shared"
)

// Server is the admin gateway: health, queue depth and manual cache cleanup
type Server struct {
	cfg     *shared.Config
	cache   shared.CacheAdmin
	mq      shared.MessageQueueClient
	limiter *AdminRateLimiter
}

func NewServer(cfg *shared.Config, cache shared.CacheAdmin, mq shared.MessageQueueClient, rdb *redis.Client) *Server {
	return &Server{
		cfg:     cfg,
		cache:   cache,
		mq:      mq,
		limiter: NewAdminRateLimiter(cfg.AdminRateLimitRPM, rdb),
	}
}

// Command returns the `api-gateway` subcommand
func Command(config func() *shared.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "api-gateway",
		Short: "Serve the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), config())
		},
	}
}

func Run(ctx context.Context, cfg *shared.Config) error {
	log.Info().Str("port", cfg.APIGatewayPort).Msg("API Gateway starting")

	rdb := shared.NewRedisClient(cfg)
	if err := shared.PingRedis(ctx, rdb); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	mq := shared.NewQueue(cfg, rdb)
	defer mq.Close()

	cache, closeCache, err := shared.NewResultCache(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeCache()

	srv := &http.Server{Addr: ":" + cfg.APIGatewayPort, Handler: NewServer(cfg, cache, mq, rdb).Routes()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.Get("/health", s.handleHealth)

	// Admin endpoints (with a simple middleware for auth)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(s.adminAuthMiddleware)
		r.Get("/queue", s.handleAdminQueue)
		r.Get("/cache", s.handleAdminListCache)
		r.Get("/cache/lookup", s.handleAdminLookup)
		r.Delete("/cache", s.handleAdminDeleteCache)
	})
	return r
}

// cors answers preflight requests for the configured origins
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && o == origin {
			return origin
		}
	}
	return ""
}

// adminAuthMiddleware provides a basic bearer token authentication for admin routes
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token != "Bearer "+s.cfg.AdminToken { // Simple bearer token auth
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports whether the queue backend answers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.mq.Len(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"message": "Queue backend unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "API Gateway is healthy",
	})
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.mq.Len(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to read queue length")
		http.Error(w, "Failed to read queue length", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.cfg.QueueName, "length": n})
}

// handleAdminListCache: Lists cache entries, newest first
func (s *Server) handleAdminListCache(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	entries, err := s.cache.List(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list cache entries for admin")
		http.Error(w, "Failed to retrieve cache entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func cacheKeyParams(r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	url, formatID := q.Get("url"), q.Get("format_id")
	return url, formatID, url != "" && formatID != ""
}

func (s *Server) handleAdminLookup(w http.ResponseWriter, r *http.Request) {
	url, formatID, ok := cacheKeyParams(r)
	if !ok {
		http.Error(w, "url and format_id are required", http.StatusBadRequest)
		return
	}
	fileID, err := s.cache.Lookup(r.Context(), url, formatID)
	if errors.Is(err, shared.ErrCacheMiss) {
		http.Error(w, "Cache entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("cache lookup failed")
		http.Error(w, "Failed to look up cache entry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, shared.CacheEntry{URL: url, FormatID: formatID, FileID: fileID})
}

// handleAdminDeleteCache removes one entry so the next request downloads again
func (s *Server) handleAdminDeleteCache(w http.ResponseWriter, r *http.Request) {
	url, formatID, ok := cacheKeyParams(r)
	if !ok {
		http.Error(w, "url and format_id are required", http.StatusBadRequest)
		return
	}
	deleted, err := s.cache.Delete(r.Context(), url, formatID)
	if err != nil {
		log.Error().Err(err).Str("url", url).Str("format_id", formatID).Msg("failed to delete cache entry")
		http.Error(w, "Failed to delete cache entry", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "Cache entry not found", http.StatusNotFound)
		return
	}
	log.Info().Str("url", url).Str("format_id", formatID).Msg("deleted cache entry")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cache entry deleted."})
}
