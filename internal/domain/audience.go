package domain

import "time"

type Reachability string

const (
	ReachabilityUnknown   Reachability = "unknown"
	ReachabilityReachable Reachability = "reachable"
	ReachabilityBlocked   Reachability = "blocked"
)

// Recipient is a stored audience member of one tenant's bot.
type Recipient struct {
	ID           int64
	TenantID     string
	ChatID       int64
	Username     string
	Reachability Reachability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AudienceEntry is one position of a job's ordered audience.
type AudienceEntry struct {
	Position     int64
	ChatID       int64
	Username     string
	Reachability Reachability
}

// Outcome classifies the result of delivering to a single audience entry.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeTransient Outcome = "transient_error"
)
