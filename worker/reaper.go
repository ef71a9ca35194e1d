package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper removes job directories left behind by crashed workers and prunes the
// failure journal.
type Reaper struct {
	Root     string
	MaxAge   time.Duration
	Interval time.Duration
	// InUse protects directories of jobs that are still running
	InUse func(dir string) bool

	Journal       interface{ Prune(time.Duration) (int, error) }
	FailureMaxAge time.Duration

	now func() time.Time
}

// Run sweeps once immediately, then every Interval until ctx ends
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes stale work dirs and returns how many were deleted
func (r *Reaper) Sweep() int {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	removed := 0

	entries, err := os.ReadDir(r.Root)
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("root", r.Root).Msg("reaper: cannot list tmp root")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), WorkDirPrefix) {
			continue
		}
		dir := filepath.Join(r.Root, e.Name())
		if r.InUse != nil && r.InUse(dir) {
			continue
		}
		info, err := e.Info()
		if err != nil || now().Sub(info.ModTime()) < r.MaxAge {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("reaper: remove failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("reaper: removed orphaned work dirs")
	}

	if r.Journal != nil && r.FailureMaxAge > 0 {
		if n, err := r.Journal.Prune(r.FailureMaxAge); err != nil {
			log.Warn().Err(err).Msg("reaper: failure journal prune failed")
		} else if n > 0 {
			log.Info().Int("pruned", n).Msg("reaper: pruned failure journal")
		}
	}
	return removed
}
