package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/iago/botfleet/internal/gateway"
)

type entry struct {
	job     gateway.JobView
	evictAt time.Time
}

// View is the observer's local picture of a tenant's jobs.
type View struct {
	mu   sync.RWMutex
	jobs map[string]entry
	now  func() time.Time
}

func NewView() *View {
	return &View{jobs: make(map[string]entry), now: time.Now}
}

// Apply merges one update. Updates older than the stored state are ignored and
// reported as not applied.
func (v *View) Apply(job gateway.JobView) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if current, ok := v.jobs[job.ID]; ok {
		if job.UpdatedAt.Before(current.job.UpdatedAt) {
			return false
		}
		if current.job.Status.Terminal() && !job.Status.Terminal() {
			return false
		}
	}

	stored := entry{job: job}
	if job.Status.Terminal() {
		stored.evictAt = v.now().Add(time.Duration(job.EvictAfterMS) * time.Millisecond)
	}
	v.jobs[job.ID] = stored
	return true
}

// Replace installs a fresh snapshot, keeping any stored state that is newer than it.
func (v *View) Replace(snapshot []gateway.JobView) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := make(map[string]entry, len(snapshot))
	for _, job := range snapshot {
		if current, ok := v.jobs[job.ID]; ok && current.job.UpdatedAt.After(job.UpdatedAt) {
			next[job.ID] = current
			continue
		}
		next[job.ID] = entry{job: job}
	}
	v.jobs = next
}

// Get returns the job unless it is unknown or already evicted.
func (v *View) Get(jobID string) (gateway.JobView, bool) {
	v.evictExpired()

	v.mu.RLock()
	defer v.mu.RUnlock()
	stored, ok := v.jobs[jobID]
	return stored.job, ok
}

// Jobs returns the visible jobs ordered by id.
func (v *View) Jobs() []gateway.JobView {
	v.evictExpired()

	v.mu.RLock()
	items := make([]gateway.JobView, 0, len(v.jobs))
	for _, stored := range v.jobs {
		items = append(items, stored.job)
	}
	v.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (v *View) evictExpired() {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, stored := range v.jobs {
		if !stored.evictAt.IsZero() && !now.Before(stored.evictAt) {
			delete(v.jobs, id)
		}
	}
}
