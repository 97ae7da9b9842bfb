package eventsourcing_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/plaenen/eventengine/pkg/domain"
)

// counterState is a minimal aggregate for pipeline tests: a counter that
// folds Incremented events.
type counterState struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
	Ver   int64  `json:"version"`
}

func (s counterState) Version() int64 { return s.Ver }

func emptyCounter(aggregateID string) counterState {
	return counterState{ID: aggregateID}
}

func applyCounter(state counterState, event *domain.Event) counterState {
	next := state
	next.Ver = event.Version
	if event.EventType == "Incremented" {
		var payload struct {
			Amount int64 `json:"amount"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err == nil {
			next.Count += payload.Amount
		}
	}
	return next
}

// memStore is an in-memory event store with the same optimistic lock
// semantics as the SQLite one.
type memStore struct {
	mu     sync.Mutex
	events map[string][]*domain.Event

	appendErr error
	loadErr   error
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string][]*domain.Event)}
}

func (s *memStore) Append(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return s.appendErr
	}
	for _, existing := range s.events[event.AggregateID] {
		if existing.Version == event.Version {
			return domain.ErrConcurrencyConflict
		}
	}
	s.events[event.AggregateID] = append(s.events[event.AggregateID], event)
	return nil
}

func (s *memStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]*domain.Event, 0)
	for _, event := range s.events[aggregateID] {
		if event.Version >= fromVersion {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *memStore) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for _, event := range s.events[aggregateID] {
		if event.Version > max {
			max = event.Version
		}
	}
	return max, nil
}

type memLedger struct {
	mu      sync.Mutex
	records map[string]*domain.CommandResult

	getErr    error
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]*domain.CommandResult)}
}

func (l *memLedger) Get(ctx context.Context, key string) (*domain.CommandResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.getErr != nil {
		return nil, l.getErr
	}
	record, ok := l.records[key]
	if !ok {
		return nil, domain.ErrNoRecord
	}
	copied := *record
	return &copied, nil
}

func (l *memLedger) Record(ctx context.Context, key string, result *domain.CommandResult, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.recordErr != nil {
		return l.recordErr
	}
	copied := *result
	l.records[key] = &copied
	return nil
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]*domain.Snapshot

	saveErr   error
	latestErr error
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[string]*domain.Snapshot)}
}

func (s *memSnapshots) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	current, ok := s.snaps[snapshot.AggregateID]
	if !ok || snapshot.Version > current.Version {
		copied := *snapshot
		s.snaps[snapshot.AggregateID] = &copied
	}
	return nil
}

func (s *memSnapshots) Latest(ctx context.Context, aggregateID string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latestErr != nil {
		return nil, s.latestErr
	}
	snap, ok := s.snaps[aggregateID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

// recordingPublisher scripts Publish outcomes.
type recordingPublisher struct {
	mu        sync.Mutex
	published []*domain.Event
	ok        bool
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, event *domain.Event) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	return p.ok, p.err
}
