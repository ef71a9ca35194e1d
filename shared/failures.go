package shared

import (
	"encoding/json"
	"fmt"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// FailureRecord is one terminal job failure
type FailureRecord struct {
	JobID     string    `json:"job_id"`
	ChatID    int64     `json:"chat_id"`
	URL       string    `json:"url"`
	FormatID  string    `json:"format_id"`
	Stage     JobStage  `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureJournal stores failure records in pebble, keyed by time so iteration is chronological
type FailureJournal struct {
	db  *pebble.DB
	now func() time.Time
}

// OpenFailureJournal opens (or creates) the journal at dbPath
func OpenFailureJournal(dbPath string) (*FailureJournal, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open failure journal")
	}
	return &FailureJournal{db: db, now: time.Now}, nil
}

func (j *FailureJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func failureKey(ts time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("failure:%020d:%s", ts.UnixNano(), jobID))
}

// Record stores rec; a zero Timestamp is filled in
func (j *FailureJournal) Record(rec FailureRecord) error {
	if j == nil || j.db == nil {
		return errors.New("failure journal not initialized")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = j.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal failure record")
	}
	return j.db.Set(failureKey(rec.Timestamp, rec.JobID), data, pebble.Sync)
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (j *FailureJournal) List(limit int) ([]FailureRecord, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("failure journal not initialized")
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create iterator")
	}
	defer iter.Close()

	records := []FailureRecord{}
	for iter.Last(); iter.Valid(); iter.Prev() {
		var rec FailureRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid records
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iteration error")
	}
	return records, nil
}

// Prune deletes records older than maxAge and returns how many were removed
func (j *FailureJournal) Prune(maxAge time.Duration) (int, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("failure journal not initialized")
	}
	cutoff := failureKey(j.now().Add(-maxAge), "")
	iter, err := j.db.NewIter(&pebble.IterOptions{UpperBound: cutoff})
	if err != nil {
		return 0, errors.Wrap(err, "failed to create iterator")
	}

	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		stale = append(stale, append([]byte(nil), iter.Key()...))
	}
	iterErr := iter.Error()
	iter.Close()
	if iterErr != nil {
		return 0, errors.Wrap(iterErr, "iteration error")
	}

	for _, k := range stale {
		if err := j.db.Delete(k, pebble.Sync); err != nil {
			return 0, errors.Wrap(err, "failed to delete failure record")
		}
	}
	return len(stale), nil
}
