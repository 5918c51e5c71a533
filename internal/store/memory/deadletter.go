package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/example/delivery-core/internal/deadletter"
)

// DeadLetterStore is an in-memory dead-letter store keyed by business key.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]*deadletter.Entry
}

// NewDeadLetterStore builds an empty store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: map[string]*deadletter.Entry{}}
}

// Upsert stores the entry, replacing any existing record for the same
// business key.
func (s *DeadLetterStore) Upsert(_ context.Context, entry *deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Envelope.BusinessKey] = entry.Clone()
	return nil
}

// Get returns a copy of the entry for the key, or nil when absent.
func (s *DeadLetterStore) Get(_ context.Context, businessKey string) (*deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[businessKey]
	if !ok {
		return nil, nil
	}
	return entry.Clone(), nil
}

// List returns matching entries ordered by DeadLetteredAt ascending.
func (s *DeadLetterStore) List(_ context.Context, opts deadletter.ListOptions) ([]*deadletter.Entry, error) {
	s.mu.RLock()
	matched := make([]*deadletter.Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if opts.Queue != "" && entry.Envelope.OriginQueue != opts.Queue {
			continue
		}
		if !opts.Since.IsZero() && entry.DeadLetteredAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && entry.DeadLetteredAt.After(opts.Until) {
			continue
		}
		matched = append(matched, entry.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DeadLetteredAt.Before(matched[j].DeadLetteredAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Remove deletes the entry for the key. Removing an absent key is a no-op.
func (s *DeadLetterStore) Remove(_ context.Context, businessKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, businessKey)
	return nil
}

// Count returns the number of parked entries.
func (s *DeadLetterStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
