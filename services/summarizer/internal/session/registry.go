package session

import (
	"sort"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"

	"reportd/services/summarizer/internal/model"
)

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	model.Session
	Link              string    `json:"link,omitempty"`
	ArchiveKey        string    `json:"-"`
	FilesIncluded     []string  `json:"files_included,omitempty"`
	DuplicatesDropped int       `json:"duplicates_dropped"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
	TimerState        string    `json:"timer_state,omitempty"`
}

// registry tracks active sessions. Finished sessions move to a TTL cache so
// late status and confirm calls still get a consistent answer.
type registry struct {
	mu     sync.RWMutex
	active map[string]*Snapshot
	recent *ttlworker.Cache[string, *Snapshot]
}

func newRegistry(recentTTL time.Duration) *registry {
	return &registry{
		active: make(map[string]*Snapshot),
		recent: ttlworker.NewCache[string, *Snapshot](recentTTL),
	}
}

// insert adds a session unless one with the same id is active.
func (r *registry) insert(s *Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[s.ID]; ok {
		return false
	}
	r.active[s.ID] = s
	r.recent.Delete(s.ID)
	return true
}

// update applies fn to the active session id and reports whether it existed.
func (r *registry) update(id string, fn func(*Snapshot)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// finish evicts an active session into the recent cache with status and
// returns the session as it was before eviction.
func (r *registry) finish(id string, status model.Status) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[id]
	if !ok {
		return Snapshot{}, false
	}
	prev := *s
	delete(r.active, id)
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	s.Link = ""
	s.ArchiveKey = ""
	r.recent.Set(id, s)
	return prev, true
}

// get returns a copy of the session, active or recently finished.
func (r *registry) get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.active[id]; ok {
		return *s, true
	}
	if s := r.recent.Get(id); s != nil {
		return *s, true
	}
	return Snapshot{}, false
}

func (r *registry) activeFolders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s.FolderPath)
	}
	sort.Strings(out)
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
