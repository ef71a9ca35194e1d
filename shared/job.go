// shared/job.go
package shared

import (
	"time"
)

// JobMessage is the payload carried by the queue for one download request
type JobMessage struct {
	JobID      string    `json:"job_id"`
	ChatID     int64     `json:"chat_id"`
	UserID     int64     `json:"user_id"`
	URL        string    `json:"url"`
	FormatID   string    `json:"format_id"`
	Title      string    `json:"title,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// FormatCandidate is one selectable quality variant. ContainerHint is empty for "best".
type FormatCandidate struct {
	FormatID      string `json:"id"`
	Label         string `json:"label"`
	ContainerHint string `json:"ext,omitempty"`
}

// ChoiceSet is what the front-end stores between showing the keyboard and the user's tap
type ChoiceSet struct {
	Token      string            `json:"token"`
	URL        string            `json:"url"`
	Title      string            `json:"title"`
	Candidates []FormatCandidate `json:"candidates"`
}

// MediaFormat mirrors the subset of a yt-dlp format entry we read
type MediaFormat struct {
	FormatID       string `json:"format_id"`
	Ext            string `json:"ext"`
	Height         int    `json:"height"`
	FileSize       int64  `json:"filesize"`
	FileSizeApprox int64  `json:"filesize_approx"`
}

// MediaInfo is the listing result for one URL
type MediaInfo struct {
	Title   string        `json:"title"`
	Formats []MediaFormat `json:"formats"`
}

// CacheEntry is one persisted (url, format) -> Telegram file_id mapping
type CacheEntry struct {
	URL       string    `json:"url"`
	FormatID  string    `json:"format_id"`
	FileID    string    `json:"file_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ProgressPhase string

const (
	PhaseDownload ProgressPhase = "download"
	PhaseUpload   ProgressPhase = "upload"
)

// ProgressEvent reports bytes moved in one phase. Total is 0 when unknown.
type ProgressEvent struct {
	Phase ProgressPhase
	Bytes int64
	Total int64
	Done  bool
}

// JobStage names the orchestrator states
type JobStage string

const (
	StageCacheCheck    JobStage = "cache_check"
	StageCachedDeliver JobStage = "cached_deliver"
	StageFullDownload  JobStage = "full_download"
	StageSelectFile    JobStage = "select_file"
	StageDeliver       JobStage = "deliver"
	StagePersist       JobStage = "persist"
	StageDone          JobStage = "done"
	StageFailed        JobStage = "failed"
)
