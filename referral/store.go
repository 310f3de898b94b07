package referral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound = errors.New("referral: not found")
	// ErrConcurrentModification means another transition committed between
	// load and save. The caller reloads and decides; never retried blindly.
	ErrConcurrentModification = errors.New("referral: concurrent modification")
)

// Store is the persistence collaborator for referrals and their timeline.
type Store interface {
	Create(ctx context.Context, r Referral) (Referral, error)
	Load(ctx context.Context, id string) (Referral, error)
	// Save compares r.Version against the stored version and fails with
	// ErrConcurrentModification on mismatch. On success the stored version
	// is incremented.
	Save(ctx context.Context, r Referral) (Referral, error)
	List(ctx context.Context, filters Filters) ([]Referral, int, error)
	AppendTimelineEvent(ctx context.Context, id string, ev TimelineEvent) error
	TimelineEvents(ctx context.Context, id string) ([]TimelineEvent, error)
}

// MemoryStore is an in-memory Store for tests and local development. Safe
// for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]Referral
	timeline map[string][]TimelineEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]Referral),
		timeline: make(map[string][]TimelineEvent),
	}
}

func (s *MemoryStore) Create(ctx context.Context, r Referral) (Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		return Referral{}, fmt.Errorf("referral: create missing id")
	}
	if _, exists := s.byID[r.ID]; exists {
		return Referral{}, fmt.Errorf("referral: duplicate id %s", r.ID)
	}

	r.Version = 1
	s.byID[r.ID] = cloneReferral(r)
	return r, nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return Referral{}, ErrNotFound
	}
	return cloneReferral(r), nil
}

func (s *MemoryStore) Save(ctx context.Context, r Referral) (Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[r.ID]
	if !ok {
		return Referral{}, ErrNotFound
	}
	if stored.Version != r.Version {
		return Referral{}, fmt.Errorf("%w: version %d, stored %d", ErrConcurrentModification, r.Version, stored.Version)
	}

	r.Version++
	s.byID[r.ID] = cloneReferral(r)
	return r, nil
}

func (s *MemoryStore) List(ctx context.Context, filters Filters) ([]Referral, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Referral, 0, len(s.byID))
	for _, r := range s.byID {
		if filters.Status != "" && r.WorkflowStatus != filters.Status {
			continue
		}
		if filters.ClientState != "" && r.ClientState() != filters.ClientState {
			continue
		}
		if filters.Urgency != "" && r.Urgency != filters.Urgency {
			continue
		}
		matched = append(matched, cloneReferral(r))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	page, size := filters.Page, filters.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	if start >= total {
		return []Referral{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) AppendTimelineEvent(ctx context.Context, id string, ev TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	s.timeline[id] = append(s.timeline[id], ev)
	return nil
}

func (s *MemoryStore) TimelineEvents(ctx context.Context, id string) ([]TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[id]; !ok {
		return nil, ErrNotFound
	}
	events := make([]TimelineEvent, len(s.timeline[id]))
	copy(events, s.timeline[id])
	return events, nil
}

func cloneReferral(r Referral) Referral {
	out := r
	out.Transitions = make([]Change, len(r.Transitions))
	copy(out.Transitions, r.Transitions)
	if r.DeclineReason != nil {
		reason := *r.DeclineReason
		out.DeclineReason = &reason
	}
	return out
}
