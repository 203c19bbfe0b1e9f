package relay

import (
	"context"
	"sort"
	"sync"
)

// RosterStore records session membership. Members returns ids in a stable
// order.
type RosterStore interface {
	Add(ctx context.Context, sessionID, participantID string) error
	Remove(ctx context.Context, sessionID, participantID string) error
	Members(ctx context.Context, sessionID string) ([]string, error)
}

type MemoryRoster struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

var _ RosterStore = (*MemoryRoster)(nil)

func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{sessions: make(map[string]map[string]struct{})}
}

func (r *MemoryRoster) Add(_ context.Context, sessionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.sessions[sessionID]
	if !ok {
		members = make(map[string]struct{})
		r.sessions[sessionID] = members
	}
	members[participantID] = struct{}{}
	return nil
}

func (r *MemoryRoster) Remove(_ context.Context, sessionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(members, participantID)
	if len(members) == 0 {
		delete(r.sessions, sessionID)
	}
	return nil
}

func (r *MemoryRoster) Members(_ context.Context, sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sessions[sessionID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Sessions reports how many sessions have at least one member.
func (r *MemoryRoster) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
