package peer

import (
	"sort"
	"sync"
)

// Registry holds at most one Link per remote participant.
type Registry struct {
	mu    sync.Mutex
	links map[string]*Link
}

func NewRegistry() *Registry {
	return &Registry{links: make(map[string]*Link)}
}

// GetOrCreate returns the link for remoteID, calling create only when none
// exists. created reports whether create ran and succeeded.
func (r *Registry) GetOrCreate(remoteID string, create func() (*Link, error)) (link *Link, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[remoteID]; ok {
		return l, false, nil
	}
	l, err := create()
	if err != nil {
		return nil, false, err
	}
	r.links[remoteID] = l
	return l, true, nil
}

func (r *Registry) Get(remoteID string) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[remoteID]
	return l, ok
}

// Remove closes and forgets the link for remoteID. It reports whether a link
// was present.
func (r *Registry) Remove(remoteID string) bool {
	r.mu.Lock()
	l, ok := r.links[remoteID]
	delete(r.links, remoteID)
	r.mu.Unlock()

	if ok {
		_ = l.Close()
	}
	return ok
}

// RemoveLink is Remove guarded on identity: it is a no-op when remoteID is
// now held by a different link.
func (r *Registry) RemoveLink(l *Link) bool {
	r.mu.Lock()
	cur, ok := r.links[l.RemoteID()]
	if ok && cur == l {
		delete(r.links, l.RemoteID())
	} else {
		ok = false
	}
	r.mu.Unlock()

	_ = l.Close()
	return ok
}

// CloseAll closes every link and empties the registry. It returns the number
// of links closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*Link)
	r.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	return len(links)
}

// IDs returns the remote ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Each calls f for every link in remote id order.
func (r *Registry) Each(f func(*Link)) {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	sort.Slice(links, func(i, j int) bool { return links[i].RemoteID() < links[j].RemoteID() })
	for _, l := range links {
		f(l)
	}
}
