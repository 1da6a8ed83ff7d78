// Package postings resolves which roles an officer holds at which authority.
// Lookups sit on the hot path of every officer action, so the directory is a
// short-TTL cache over the postings source with an explicit invalidation API
// (called by admin tooling when an officer is transferred).
package postings

import (
	"context"
	"sync"
	"time"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

// Source is the authoritative postings lookup, typically store.PostingStore.
type Source interface {
	Postings(ctx context.Context, officerID string) ([]contracts.OfficerPosting, error)
}

// Directory answers role checks for the executor and task dispatcher.
type Directory interface {
	// HasRole reports whether the officer holds role at the authority.
	HasRole(ctx context.Context, officerID, authorityID, role string) (bool, error)
	// Invalidate drops any cached postings of the officer.
	Invalidate(ctx context.Context, officerID string) error
}

// DefaultTTL keeps a posting change visible within a few minutes even
// without an explicit invalidation.
const DefaultTTL = 5 * time.Minute

type memoryEntry struct {
	postings  []contracts.OfficerPosting
	fetchedAt time.Time
}

// Memory is a single-process TTL cache over a Source.
type Memory struct {
	src   Source
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory creates an in-memory directory with the given TTL (DefaultTTL if
// zero or negative).
func NewMemory(src Source, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		src:     src,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

// HasRole implements Directory.
func (m *Memory) HasRole(ctx context.Context, officerID, authorityID, role string) (bool, error) {
	postings, err := m.load(ctx, officerID)
	if err != nil {
		return false, err
	}
	return holdsRole(postings, authorityID, role), nil
}

// Invalidate implements Directory.
func (m *Memory) Invalidate(_ context.Context, officerID string) error {
	m.mu.Lock()
	delete(m.entries, officerID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) load(ctx context.Context, officerID string) ([]contracts.OfficerPosting, error) {
	now := m.clock()
	m.mu.Lock()
	entry, ok := m.entries[officerID]
	m.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < m.ttl {
		return entry.postings, nil
	}

	postings, err := m.src.Postings(ctx, officerID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.entries[officerID] = memoryEntry{postings: postings, fetchedAt: now}
	m.mu.Unlock()
	return postings, nil
}

func holdsRole(postings []contracts.OfficerPosting, authorityID, role string) bool {
	for _, p := range postings {
		if p.AuthorityID == authorityID && p.Role == role {
			return true
		}
	}
	return false
}
