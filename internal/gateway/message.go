package gateway

import (
	"time"

	"github.com/iago/botfleet/internal/domain"
)

const TypeJobUpdate = "job_update"

// Message is the frame pushed to observers.
type Message struct {
	Type string  `json:"type"`
	Job  JobView `json:"job"`
}

// JobView is the observer-facing projection of a job. Internal error text is never included.
type JobView struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Kind            domain.JobKind   `json:"kind"`
	Status          domain.JobStatus `json:"status"`
	ProgressPercent float64          `json:"progress_percent"`
	Details         Details          `json:"details"`
	EvictAfterMS    int64            `json:"evict_after_ms,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type Details struct {
	Total   int64 `json:"total"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Blocked int64 `json:"blocked"`
	Cursor  int64 `json:"cursor"`
}

// ViewFromEvent projects a progress event; terminal events carry the eviction grace.
func ViewFromEvent(event domain.ProgressEvent, grace time.Duration) JobView {
	view := JobView{
		ID:              event.JobID,
		TenantID:        event.TenantID,
		Kind:            event.Kind,
		Status:          event.Status,
		ProgressPercent: event.Counters.ProgressPercent(),
		Details: Details{
			Total:   event.Counters.Total,
			Sent:    event.Counters.Sent,
			Failed:  event.Counters.Failed,
			Blocked: event.Counters.Blocked,
			Cursor:  event.Cursor,
		},
		UpdatedAt: event.Timestamp,
	}
	if event.Status.Terminal() {
		view.EvictAfterMS = grace.Milliseconds()
	}
	return view
}

// ViewFromJob projects a stored job for snapshot responses.
func ViewFromJob(job *domain.Job, grace time.Duration) JobView {
	return ViewFromEvent(domain.NewProgressEvent(job, job.UpdatedAt), grace)
}
