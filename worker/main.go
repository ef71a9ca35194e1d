// worker/main.go
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"media-fetch-bot/archive"
	"media-fetch-bot/shared"
)

// Service pulls jobs from the queue and runs at most cfg.MaxWorkers of them at once
type Service struct {
	cfg           *shared.Config
	mq            shared.MessageQueueClient
	orch          *Orchestrator
	journal       *shared.FailureJournal
	workerLimiter chan struct{} // Semaphore to limit concurrent processing tasks
	jobs          sync.WaitGroup
}

func NewService(cfg *shared.Config, mq shared.MessageQueueClient, orch *Orchestrator, journal *shared.FailureJournal) *Service {
	return &Service{
		cfg:           cfg,
		mq:            mq,
		orch:          orch,
		journal:       journal,
		workerLimiter: make(chan struct{}, cfg.MaxWorkers),
	}
}

// Command returns the `worker` subcommand
func Command(config func() *shared.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued download jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), config())
		},
	}
}

// Run wires the worker's dependencies and blocks until ctx is cancelled
func Run(ctx context.Context, cfg *shared.Config) error {
	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	log.Info().Str("port", cfg.WorkerPort).Int("max_workers", cfg.MaxWorkers).Msg("worker service starting")

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

	bot, err := shared.NewBot(cfg.BotToken)
	if err != nil {
		return err
	}
	var large shared.Transport
	if cfg.LocalBotAPIURL != "" {
		local, err := shared.NewLocalBot(cfg.BotToken, cfg.LocalBotAPIURL)
		if err != nil {
			return err
		}
		large = local
	} else {
		log.Warn().Msg("LOCAL_BOT_API_URL not set, files over 50 MiB cannot be delivered")
	}

	journal, err := shared.OpenFailureJournal(filepath.Join(cfg.DataDir, "failures"))
	if err != nil {
		return err
	}
	defer journal.Close()

	orch := &Orchestrator{
		Cache:             cache,
		Extractor:         shared.NewYtDlp(cfg.YtDlpPath, 500*time.Millisecond),
		Messenger:         bot,
		Cached:            bot,
		Delivery:          NewDeliverySelector(bot, large),
		Failures:          journal,
		TmpDir:            cfg.TmpDir,
		BotToken:          cfg.BotToken,
		ProgressInterval:  cfg.ProgressInterval,
		CachedSendRetries: cfg.CachedSendRetries,
	}
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	if arch != nil {
		orch.Archive = arch
	}

	svc := NewService(cfg, mq, orch, journal)

	reaper := &Reaper{
		Root:          cfg.TmpDir,
		MaxAge:        cfg.TmpMaxAge,
		Interval:      cfg.ReaperInterval,
		InUse:         orch.InUse,
		Journal:       journal,
		FailureMaxAge: cfg.FailureMaxAge,
	}
	go reaper.Run(ctx)

	srv := &http.Server{Addr: ":" + cfg.WorkerPort, Handler: svc.Routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("worker http server stopped")
		}
	}()

	svc.startQueueConsumer(ctx)

	log.Info().Msg("waiting for running jobs to finish")
	svc.jobs.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startQueueConsumer pulls jobs until ctx ends. A token is taken before dequeuing so a
// busy worker leaves messages for its peers.
func (s *Service) startQueueConsumer(ctx context.Context) {
	log.Info().Msg("worker started consuming messages from queue")
	for {
		select {
		case s.workerLimiter <- struct{}{}:
		case <-ctx.Done():
			log.Info().Msg("queue consumer stopped")
			return
		}

		d, err := s.mq.Dequeue(ctx)
		if err != nil {
			<-s.workerLimiter
			if ctx.Err() != nil || errors.Is(err, shared.ErrQueueClosed) {
				log.Info().Msg("queue consumer stopped")
				return
			}
			log.Error().Err(err).Msg("dequeue failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		s.jobs.Add(1)
		shared.ActiveJobs.Inc()
		go func(d *shared.Delivery) {
			defer func() {
				// Release the token back to the limiter channel when the job is done
				<-s.workerLimiter
				shared.ActiveJobs.Dec()
				s.jobs.Done()
			}()
			// running jobs finish even when the worker is asked to stop
			s.processJob(context.WithoutCancel(ctx), d)
		}(d)
	}
}

// processJob runs one delivery and acks it whatever the outcome
func (s *Service) processJob(ctx context.Context, d *shared.Delivery) {
	msg := d.Message
	logger := shared.JobLogger(msg)
	logger.Info().Int("active", len(s.workerLimiter)).Int("max", s.cfg.MaxWorkers).Msg("processing job")

	defer func() {
		if r := recover(); r != nil {
			s.handleJobFailure(ctx, msg, errors.Errorf("internal error: %v", r))
		}
		if err := s.mq.Ack(ctx, d); err != nil {
			logger.Error().Err(err).Msg("ack failed, job may be redelivered")
		}
	}()

	if every := s.cfg.QueueReclaimIdle / 3; every > 0 {
		hbCtx, cancel := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			s.heartbeat(hbCtx, d, every)
		}()
		// registered after the ack so the heartbeat has stopped before it
		defer func() {
			cancel()
			<-hbDone
		}()
	}

	out := s.orch.Process(ctx, msg)
	if out.Err == nil {
		logger.Info().Bool("from_cache", out.FromCache).Str("transport", out.Transport).Msg("job completed")
	}
}

// heartbeat keeps d claimed by this worker until ctx ends
func (s *Service) heartbeat(ctx context.Context, d *shared.Delivery, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.mq.Touch(ctx, d); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("job_id", d.Message.JobID).Msg("queue heartbeat failed")
			}
		}
	}
}

// handleJobFailure covers failures that escaped the orchestrator
func (s *Service) handleJobFailure(ctx context.Context, msg shared.JobMessage, err error) {
	logger := shared.JobLogger(msg)
	logger.Error().Err(err).Msg("job panicked")
	shared.JobsTotal.WithLabelValues("failed").Inc()
	s.orch.Report(ctx, msg, &shared.JobError{Stage: shared.StageFailed, Err: err}, logger)
}

// Routes serves health, metrics and the failure journal
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/failures", s.handleFailures)
	return r
}

// handleHealth: Basic health check for the Worker Service
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	message := "Worker Service is healthy and consuming from queue."
	if len(s.workerLimiter) == s.cfg.MaxWorkers {
		message = "Worker Service is healthy but all workers are currently busy."
	}

	resp := map[string]string{
		"status":         status,
		"message":        message,
		"active_workers": fmt.Sprintf("%d/%d", len(s.workerLimiter), s.cfg.MaxWorkers),
	}
	if n, err := s.mq.Len(r.Context()); err == nil {
		resp["queue_length"] = strconv.FormatInt(n, 10)
	} else {
		resp["status"] = "degraded"
		resp["message"] = "Queue backend unreachable: " + err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Service) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	records, err := s.journal.List(limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list failures")
		http.Error(w, "Failed to retrieve failures", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
