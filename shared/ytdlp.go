package shared

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/pkg/errors"
)

// Extractor resolves URLs into formats and downloads one format into a directory
type Extractor interface {
	ListFormats(ctx context.Context, url string) (*MediaInfo, error)
	Fetch(ctx context.Context, url, formatID, destDir string, progress chan<- ProgressEvent) error
}

// OutputTemplate keeps titles bounded and ids unique within a job directory
const OutputTemplate = "%(title).200s.%(id)s.%(ext)s"

// YtDlp runs the yt-dlp binary through go-ytdlp
type YtDlp struct {
	binary           string
	progressInterval time.Duration
}

func NewYtDlp(binary string, progressInterval time.Duration) *YtDlp {
	if progressInterval <= 0 {
		progressInterval = 500 * time.Millisecond
	}
	return &YtDlp{binary: binary, progressInterval: progressInterval}
}

func (y *YtDlp) command() *ytdlp.Command {
	cmd := ytdlp.New()
	if y.binary != "" {
		cmd = cmd.SetExecutable(y.binary)
	}
	return cmd.NoPlaylist().NoWarnings()
}

// ListFormats runs yt-dlp --dump-single-json --skip-download
func (y *YtDlp) ListFormats(ctx context.Context, url string) (*MediaInfo, error) {
	res, err := y.command().DumpSingleJSON().SkipDownload().Run(ctx, url)
	if err != nil {
		return nil, errors.Wrap(ErrExtraction, extractorReason(res, err))
	}
	info, err := parseMediaInfo([]byte(res.Stdout))
	if err != nil {
		return nil, errors.Wrap(ErrExtraction, err.Error())
	}
	return info, nil
}

func parseMediaInfo(raw []byte) (*MediaInfo, error) {
	var info MediaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrap(err, "JSON parse error")
	}
	if info.Title == "" {
		info.Title = "video"
	}
	return &info, nil
}

// Fetch downloads formatID into destDir. progress is not closed.
func (y *YtDlp) Fetch(ctx context.Context, url, formatID, destDir string, progress chan<- ProgressEvent) error {
	cmd := y.command().
		Format(formatID).
		Output(destDir + "/" + OutputTemplate).
		MergeOutputFormat("mp4")

	if progress != nil {
		cmd = cmd.ProgressFunc(y.progressInterval, func(u ytdlp.ProgressUpdate) {
			ev := ProgressEvent{
				Phase: PhaseDownload,
				Bytes: int64(u.DownloadedBytes),
				Total: int64(u.TotalBytes),
			}
			select {
			case progress <- ev:
			case <-ctx.Done():
			default:
				// reporter is behind; drop the sample
			}
		})
	}

	res, err := cmd.Run(ctx, url)
	if err != nil {
		return errors.Wrap(ErrExtraction, extractorReason(res, err))
	}
	return nil
}

// extractorReason prefers yt-dlp's own ERROR line over the exit status
func extractorReason(res *ytdlp.Result, err error) string {
	if res != nil {
		for _, line := range strings.Split(res.Stderr, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "ERROR:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
			}
		}
	}
	return err.Error()
}
