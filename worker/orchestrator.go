package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"media-fetch-bot/shared"
)

// FailureRecorder persists terminal job failures
type FailureRecorder interface {
	Record(rec shared.FailureRecord) error
}

// Archiver mirrors a delivered artifact somewhere durable
type Archiver interface {
	Store(ctx context.Context, path, key string) error
}

// Outcome is the result of one Process call. Trail lists the stages the job went
// through, ending in done or failed.
type Outcome struct {
	Stage     shared.JobStage
	Trail     []shared.JobStage
	FromCache bool
	FileID    string
	Size      int64
	Transport string
	Err       error
}

// Orchestrator runs one job: cache check, download, delivery, persist, cleanup.
type Orchestrator struct {
	Cache     shared.ResultCache
	Extractor shared.Extractor
	Messenger shared.Messenger
	Cached    shared.HandleSender
	Delivery  *DeliverySelector
	Failures  FailureRecorder
	Archive   Archiver

	TmpDir            string
	BotToken          string
	ProgressInterval  time.Duration
	CachedSendRetries int
	RetryBackoff      time.Duration

	active sync.Map // work dirs of running jobs
}

// InUse reports whether dir belongs to a running job
func (o *Orchestrator) InUse(dir string) bool {
	_, ok := o.active.Load(filepath.Clean(dir))
	return ok
}

// Process handles msg to completion. The user gets exactly one failure message when the
// job fails; cache and archive problems never fail a job.
func (o *Orchestrator) Process(ctx context.Context, msg shared.JobMessage) Outcome {
	logger := shared.JobLogger(msg)
	start := time.Now()

	t := &stageTrail{logger: logger}
	out := o.process(ctx, msg, t)
	t.enter(out.Stage)
	out.Trail = t.stages

	outcome := "ok"
	if out.Err != nil {
		outcome = "failed"
	} else if out.FromCache {
		outcome = "cached"
	}
	shared.JobsTotal.WithLabelValues(outcome).Inc()
	shared.JobDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return out
}

// stageTrail records state transitions of one job
type stageTrail struct {
	logger zerolog.Logger
	stages []shared.JobStage
}

func (t *stageTrail) enter(stage shared.JobStage) {
	t.stages = append(t.stages, stage)
	t.logger.Debug().Str("stage", string(stage)).Msg("stage")
}

func (o *Orchestrator) process(ctx context.Context, msg shared.JobMessage, t *stageTrail) Outcome {
	logger := t.logger

	t.enter(shared.StageCacheCheck)
	fileID, err := o.Cache.Lookup(ctx, msg.URL, msg.FormatID)
	switch {
	case err == nil:
		shared.CacheLookups.WithLabelValues("hit").Inc()
		t.enter(shared.StageCachedDeliver)
		if o.deliverCached(ctx, msg, fileID, logger) {
			o.notify(ctx, msg.ChatID, textDone, logger)
			logger.Info().Msg("delivered from cache")
			return Outcome{Stage: shared.StageDone, FromCache: true, FileID: fileID}
		}
		shared.CacheLookups.WithLabelValues("stale").Inc()
		logger.Warn().Err(shared.ErrCacheStale).Str("file_id", fileID).Msg("cached handle unusable, downloading again")
	case errors.Is(err, shared.ErrCacheMiss):
		shared.CacheLookups.WithLabelValues("miss").Inc()
	default:
		shared.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("cache lookup failed, treating as miss")
	}

	return o.fullDownload(ctx, msg, t)
}

// deliverCached resends by file_id. Transient failures are retried; a 400 means the
// handle itself is bad.
func (o *Orchestrator) deliverCached(ctx context.Context, msg shared.JobMessage, fileID string, logger zerolog.Logger) bool {
	if o.Cached == nil {
		return false
	}
	backoff := o.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for attempt := 0; attempt <= o.CachedSendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			}
			logger.Info().Int("attempt", attempt+1).Msg("retrying cached send")
		}
		_, err := o.Cached.SendByHandle(ctx, msg.ChatID, fileID, msg.Title)
		if err == nil {
			return true
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("cached send failed")
		if shared.IsRejected(err) || ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (o *Orchestrator) fullDownload(ctx context.Context, msg shared.JobMessage, t *stageTrail) Outcome {
	logger := t.logger
	t.enter(shared.StageFullDownload)

	statusID, err := o.Messenger.Send(ctx, msg.ChatID, textStarting)
	if err != nil {
		logger.Warn().Err(err).Msg("could not send status message, progress disabled")
		statusID = 0
	}

	workDir, err := NewWorkDir(o.TmpDir)
	if err != nil {
		return o.fail(ctx, msg, shared.StageFullDownload, err, logger)
	}
	o.active.Store(filepath.Clean(workDir), struct{}{})
	defer func() {
		o.active.Delete(filepath.Clean(workDir))
		if err := os.RemoveAll(workDir); err != nil {
			logger.Error().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
		}
	}()

	reporter := NewProgressReporter(o.Messenger, msg.ChatID, statusID, o.ProgressInterval, logger)
	events := make(chan shared.ProgressEvent, 32)
	stopReporter := reporter.Start(ctx, events)
	defer stopReporter()

	logger.Info().Str("url", msg.URL).Msg("downloading")
	if err := o.Extractor.Fetch(ctx, msg.URL, msg.FormatID, workDir, events); err != nil {
		stopReporter()
		return o.fail(ctx, msg, shared.StageFullDownload, err, logger)
	}
	// queued behind the extractor's own events
	select {
	case events <- shared.ProgressEvent{Phase: shared.PhaseDownload, Done: true}:
	case <-ctx.Done():
	}

	t.enter(shared.StageSelectFile)
	path, size, err := LargestFile(workDir)
	if err != nil {
		stopReporter()
		if errors.Is(err, shared.ErrArtifactMissing) {
			logger.Error().Msg("extractor reported success but produced no file")
		}
		return o.fail(ctx, msg, shared.StageSelectFile, err, logger)
	}

	t.enter(shared.StageDeliver)
	handle, transport, err := o.Delivery.Deliver(ctx, DeliveryRequest{
		ChatID:   msg.ChatID,
		Path:     path,
		Size:     size,
		Caption:  msg.Title,
		Progress: events,
		Status:   reporter,
	})
	stopReporter()
	if err != nil {
		return o.fail(ctx, msg, shared.StageDeliver, err, logger)
	}
	logger.Info().Str("transport", transport).Int64("size", size).Msg("delivered")

	t.enter(shared.StagePersist)
	inserted, err := o.Cache.Insert(ctx, msg.URL, msg.FormatID, handle)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("cache insert failed")
	case !inserted:
		logger.Info().Msg("cache entry already exists, keeping the first one")
	}

	if o.Archive != nil {
		key := msg.JobID + "/" + filepath.Base(path)
		if err := o.Archive.Store(ctx, path, key); err != nil {
			logger.Warn().Err(err).Msg("archive failed")
		}
	}

	o.notify(ctx, msg.ChatID, textDone, logger)
	return Outcome{Stage: shared.StageDone, FileID: handle, Size: size, Transport: transport}
}

func (o *Orchestrator) fail(ctx context.Context, msg shared.JobMessage, stage shared.JobStage, cause error, logger zerolog.Logger) Outcome {
	err := &shared.JobError{Stage: stage, Err: cause}
	logger.Error().Err(err).Str("stage", string(stage)).Msg("job failed")

	o.Report(ctx, msg, err, logger)
	return Outcome{Stage: shared.StageFailed, Err: err}
}

// Report tells the user about a terminal failure and journals it
func (o *Orchestrator) Report(ctx context.Context, msg shared.JobMessage, err error, logger zerolog.Logger) {
	// the user should hear about the failure even when the job was cancelled
	o.notify(context.WithoutCancel(ctx), msg.ChatID, shared.UserMessage(err, o.TmpDir, o.BotToken), logger)

	if o.Failures == nil {
		return
	}
	rec := shared.FailureRecord{
		JobID:    msg.JobID,
		ChatID:   msg.ChatID,
		URL:      msg.URL,
		FormatID: msg.FormatID,
		Stage:    shared.StageOf(err),
		Error:    err.Error(),
	}
	if rec.Stage == "" {
		rec.Stage = shared.StageFailed
	}
	if jerr := o.Failures.Record(rec); jerr != nil {
		logger.Error().Err(jerr).Msg("failed to journal failure")
	}
}

func (o *Orchestrator) notify(ctx context.Context, chatID int64, text string, logger zerolog.Logger) {
	if _, err := o.Messenger.Send(ctx, chatID, text); err != nil {
		logger.Warn().Err(err).Msg("failed to send message")
	}
}
