package sender

import (
	"context"
	"errors"
	"time"

	"github.com/iago/botfleet/internal/domain"
)

// Sender delivers one message to one chat on behalf of a tenant's bot.
// The returned outcome classifies the attempt; err carries the underlying cause when not sent.
type Sender interface {
	Send(ctx context.Context, tenantID string, chatID int64, content domain.MessageContent) (domain.Outcome, error)
}

// Func adapts a function to Sender.
type Func func(ctx context.Context, tenantID string, chatID int64, content domain.MessageContent) (domain.Outcome, error)

func (f Func) Send(ctx context.Context, tenantID string, chatID int64, content domain.MessageContent) (domain.Outcome, error) {
	return f(ctx, tenantID, chatID, content)
}

// ThrottledError is returned with a transient outcome when the remote side asked
// the caller to wait before the next attempt.
type ThrottledError struct {
	Wait time.Duration
	Err  error
}

func (e *ThrottledError) Error() string { return e.Err.Error() }
func (e *ThrottledError) Unwrap() error { return e.Err }

// RetryAfter returns the wait requested by a ThrottledError in err's chain, or zero.
func RetryAfter(err error) time.Duration {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled.Wait
	}
	return 0
}
