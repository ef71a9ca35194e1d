package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJournal struct {
	maxAge time.Duration
	calls  int
}

func (c *countingJournal) Prune(maxAge time.Duration) (int, error) {
	c.calls++
	c.maxAge = maxAge
	return 2, nil
}

func TestReaperSweep(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	mkdir := func(name string, age time.Duration) string {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "part.mp4"), []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(dir, now.Add(-age), now.Add(-age)))
		return dir
	}
	old := mkdir(WorkDirPrefix+"old", 7*time.Hour)
	fresh := mkdir(WorkDirPrefix+"fresh", time.Minute)
	busy := mkdir(WorkDirPrefix+"busy", 10*time.Hour)
	foreign := mkdir("other_old", 10*time.Hour)

	journal := &countingJournal{}
	r := &Reaper{
		Root:          root,
		MaxAge:        6 * time.Hour,
		InUse:         func(dir string) bool { return dir == busy },
		Journal:       journal,
		FailureMaxAge: 24 * time.Hour,
		now:           func() time.Time { return now },
	}

	assert.Equal(t, 1, r.Sweep())
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, busy)
	assert.DirExists(t, foreign)
	assert.Equal(t, 1, journal.calls)
	assert.Equal(t, 24*time.Hour, journal.maxAge)
}

func TestReaperMissingRoot(t *testing.T) {
	r := &Reaper{Root: filepath.Join(t.TempDir(), "absent"), MaxAge: time.Hour}
	assert.Equal(t, 0, r.Sweep())
}
