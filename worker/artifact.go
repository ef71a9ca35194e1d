package worker

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"media-fetch-bot/shared"
)

// WorkDirPrefix marks per-job directories under TMP_DIR; the reaper only touches these
const WorkDirPrefix = "ytdlp_"

// NewWorkDir creates a fresh job directory under root
func NewWorkDir(root string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrap(err, "create tmp root")
	}
	dir, err := os.MkdirTemp(root, WorkDirPrefix)
	if err != nil {
		return "", errors.Wrap(err, "create work dir")
	}
	return dir, nil
}

// LargestFile returns the biggest regular file below dir. Thumbnails, subtitles and
// other side files lose to the media file by size.
func LargestFile(dir string) (string, int64, error) {
	var (
		best     string
		bestSize int64 = -1
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if err != nil {
		return "", 0, errors.Wrap(err, "scan work dir")
	}
	if best == "" {
		return "", 0, shared.ErrArtifactMissing
	}
	return best, bestSize, nil
}
