package shared

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ChoiceKeyPrefix namespaces choice tokens in shared stores
const ChoiceKeyPrefix = "yt:choice:"

// ChoiceStore holds format keyboards between listing and the user's selection.
// Expired and unknown tokens both yield ErrChoiceNotFound.
type ChoiceStore interface {
	Put(ctx context.Context, set ChoiceSet) (string, error)
	Get(ctx context.Context, token string) (*ChoiceSet, error)
	Resolve(ctx context.Context, token string, index int) (FormatCandidate, error)
}

// Candidate returns the candidate at index or ErrIndexOutOfRange
func (set *ChoiceSet) Candidate(index int) (FormatCandidate, error) {
	if index < 0 || index >= len(set.Candidates) {
		return FormatCandidate{}, errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", index, len(set.Candidates))
	}
	return set.Candidates[index], nil
}

type memoryChoice struct {
	set     ChoiceSet
	expires time.Time
}

// InMemoryChoiceStore is a TTL map for single-process runs and tests
type InMemoryChoiceStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryChoice
}

func NewInMemoryChoiceStore(ttl time.Duration) *InMemoryChoiceStore {
	return &InMemoryChoiceStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryChoice),
	}
}

// WithClock replaces the time source
func (s *InMemoryChoiceStore) WithClock(now func() time.Time) *InMemoryChoiceStore {
	s.now = now
	return s
}

func (s *InMemoryChoiceStore) Put(ctx context.Context, set ChoiceSet) (string, error) {
	token := uuid.NewString()
	set.Token = token
	set.Candidates = append([]FormatCandidate(nil), set.Candidates...)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[token] = memoryChoice{set: set, expires: now.Add(s.ttl)}
	return token, nil
}

func (s *InMemoryChoiceStore) Get(ctx context.Context, token string) (*ChoiceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || !s.now().Before(e.expires) {
		return nil, ErrChoiceNotFound
	}
	set := e.set
	set.Candidates = append([]FormatCandidate(nil), e.set.Candidates...)
	return &set, nil
}

func (s *InMemoryChoiceStore) Resolve(ctx context.Context, token string, index int) (FormatCandidate, error) {
	set, err := s.Get(ctx, token)
	if err != nil {
		return FormatCandidate{}, err
	}
	return set.Candidate(index)
}
