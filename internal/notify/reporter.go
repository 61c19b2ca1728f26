package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/iago/botfleet/internal/eventbus"
	"github.com/iago/botfleet/internal/sender"
	"github.com/rs/zerolog"
)

// AdminDirectory resolves the chats that receive a tenant's reports.
type AdminDirectory interface {
	AdminChats(tenantID string) []int64
}

// Reporter sends a short report to a tenant's admins when one of its jobs ends.
// Only the process that finalized the job reports it; relayed events are ignored.
type Reporter struct {
	sender    sender.Sender
	directory AdminDirectory
	timeout   time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	reported map[string]time.Time
}

func NewReporter(s sender.Sender, directory AdminDirectory, logger zerolog.Logger) *Reporter {
	return &Reporter{
		sender:    s,
		directory: directory,
		timeout:   10 * time.Second,
		logger:    logger.With().Str("component", "notify").Logger(),
		reported:  make(map[string]time.Time),
	}
}

// Subscribe attaches the reporter to bus and returns the unsubscribe func.
func (r *Reporter) Subscribe(bus eventbus.Bus) func() {
	return bus.Subscribe(domain.TopicAllProgress, r.Handle)
}

func (r *Reporter) Handle(ctx context.Context, event eventbus.Event) error {
	if event.Relayed() {
		return nil
	}
	var progress domain.ProgressEvent
	if err := event.Decode(&progress); err != nil {
		return err
	}
	if !progress.Status.Terminal() || !r.firstReport(progress.JobID) {
		return nil
	}

	chats := r.directory.AdminChats(progress.TenantID)
	if len(chats) == 0 {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	content := domain.MessageContent{Text: Report(progress)}
	for _, chatID := range chats {
		outcome, err := r.sender.Send(sendCtx, progress.TenantID, chatID, content)
		if outcome != domain.OutcomeSent {
			r.logger.Warn().Err(err).
				Str("tenant_id", progress.TenantID).
				Str("job_id", progress.JobID).
				Int64("chat_id", chatID).
				Str("outcome", string(outcome)).
				Msg("admin report not delivered")
		}
	}
	return nil
}

// firstReport drops repeated terminal events for the same job within an hour.
func (r *Reporter) firstReport(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, at := range r.reported {
		if now.Sub(at) > time.Hour {
			delete(r.reported, id)
		}
	}
	if _, ok := r.reported[jobID]; ok {
		return false
	}
	r.reported[jobID] = now
	return true
}

// Report renders the admin message for a terminal job.
func Report(event domain.ProgressEvent) string {
	var title string
	switch event.Kind {
	case domain.JobKindBulkImport:
		title = "Import"
	default:
		title = "Broadcast"
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "%s %s %s\n\n", title, event.JobID, event.Status)
	if event.Kind == domain.JobKindBulkImport {
		fmt.Fprintf(&builder, "Imported: %d\nRejected: %d\n", event.Counters.Sent, event.Counters.Failed)
	} else {
		fmt.Fprintf(&builder, "Sent: %d\nFailed: %d\nBlocked: %d\n", event.Counters.Sent, event.Counters.Failed, event.Counters.Blocked)
	}
	fmt.Fprintf(&builder, "Total: %d", event.Counters.Total)
	return builder.String()
}
