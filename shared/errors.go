package shared

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Failure taxonomy. Callers match with errors.Is; wrapped causes keep the detail.
var (
	ErrExtraction              = errors.New("extraction failed")
	ErrArtifactMissing         = errors.New("artifact not found")
	ErrDeliveryFailed          = errors.New("delivery failed")
	ErrCacheStale              = errors.New("cached file handle rejected")
	ErrCacheBackendUnavailable = errors.New("cache backend unavailable")
	ErrCacheMiss               = errors.New("cache miss")
	ErrChoiceNotFound          = errors.New("selection expired or not found")
	ErrIndexOutOfRange         = errors.New("choice index out of range")
	ErrQueueUnavailable        = errors.New("queue unavailable")
)

// JobError records the orchestrator stage a job failed in.
type JobError struct {
	Stage JobStage
	Err   error
}

func (e *JobError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *JobError) Unwrap() error { return e.Err }

// StageOf returns the failing stage, or "" if err carries none.
func StageOf(err error) JobStage {
	var je *JobError
	if errors.As(err, &je) {
		return je.Stage
	}
	return ""
}

// UserMessage renders err for the chat. Paths under workDir and the bot token are scrubbed.
func UserMessage(err error, workDir, botToken string) string {
	if err == nil {
		return ""
	}
	var msg string
	switch {
	case errors.Is(err, ErrArtifactMissing):
		msg = "the download produced no file"
	case errors.Is(err, ErrDeliveryFailed):
		msg = "could not send the file to Telegram"
	default:
		var je *JobError
		if errors.As(err, &je) {
			msg = je.Err.Error()
		} else {
			msg = err.Error()
		}
	}
	return "Error: " + scrub(msg, workDir, botToken)
}

func scrub(msg, workDir, botToken string) string {
	if botToken != "" {
		msg = strings.ReplaceAll(msg, botToken, "<token>")
	}
	if dir := strings.TrimRight(workDir, "/"); dir != "" {
		re := regexp.MustCompile(regexp.QuoteMeta(dir) + `[^\s'"]*`)
		msg = re.ReplaceAllString(msg, "<file>")
	}
	return msg
}
