package domain

// EventKind is the kind of action recorded in the outbox.
type EventKind string

const (
	EventKindComment      EventKind = "comment"
	EventKindStatusChange EventKind = "status_change"
)

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSent    EventStatus = "sent"
	EventStatusFailed  EventStatus = "failed"
)

type OutboxEvent struct {
	Seq          int64       `json:"seq"`
	ID           string      `json:"id"`
	TaskRef      string      `json:"task_ref"`
	Kind         EventKind   `json:"kind" enum:"comment,status_change"`
	PayloadJSON  string      `json:"payload_json"`
	Profile      string      `json:"profile,omitempty"`
	Status       EventStatus `json:"status" enum:"pending,sent,failed"`
	AttemptCount int         `json:"attempt_count"`
	LastError    string      `json:"last_error,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
	SentAt       *string     `json:"sent_at,omitempty" format:"date-time"`
}

// Credential is the local binding of a profile to a remote account.
type Credential struct {
	Profile    string `json:"profile"`
	BaseURL    string `json:"base_url"`
	IdentityID int64  `json:"identity_id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	Token      string `json:"token"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Account is the canonical remote identity resolved from a token.
type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

type SyncFailure struct {
	EventID   string `json:"event_id"`
	TaskRef   string `json:"task_ref"`
	Error     string `json:"error"`
	Permanent bool   `json:"permanent"`
}

type SyncResult struct {
	DryRun   bool          `json:"dry_run"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Failures []SyncFailure `json:"failures,omitempty"`
}

// PermanentFailures counts failures that will not be retried automatically.
func (r SyncResult) PermanentFailures() int {
	n := 0
	for _, f := range r.Failures {
		if f.Permanent {
			n++
		}
	}
	return n
}
