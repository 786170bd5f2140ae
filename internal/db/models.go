package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a notification does not exist (or is not
// visible to the requesting tenant).
var ErrNotFound = errors.New("notification not found")

// Default and bounds for the per-notification delivery budget.
const (
	DefaultMaxAttempts = 3
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10
)

// Notification represents a notification in the database.
// ID is internal; ExternalRef is the only identifier exposed to clients.
type Notification struct {
	ID          int64           `json:"-"`
	ExternalRef uuid.UUID       `json:"uuid"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	Channel     string          `json:"channel"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LockKey is the distributed lock key guarding delivery of this notification.
func (n *Notification) LockKey() string {
	return LockKey(n.ID)
}

// Exhausted reports whether the delivery budget has been used up.
func (n *Notification) Exhausted() bool {
	return n.Attempts >= n.MaxAttempts
}

// Clone returns a deep copy, so callers can hand out records without sharing
// pointer fields.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.Payload != nil {
		c.Payload = append(json.RawMessage(nil), n.Payload...)
	}
	c.ScheduledAt = cloneTime(n.ScheduledAt)
	c.ProcessedAt = cloneTime(n.ProcessedAt)
	c.FailedAt = cloneTime(n.FailedAt)
	if n.LastError != nil {
		msg := *n.LastError
		c.LastError = &msg
	}
	return &c
}

// Update is a partial update. Only non-nil fields are written, and each call
// is last-write-wins for exactly the fields it sets.
type Update struct {
	Status      *Status
	Attempts    *int
	LastError   *string
	ProcessedAt *time.Time
	FailedAt    *time.Time
}

// Empty reports whether the update sets nothing.
func (u Update) Empty() bool {
	return u.Status == nil && u.Attempts == nil && u.LastError == nil &&
		u.ProcessedAt == nil && u.FailedAt == nil
}

// Permits reports whether u may be written over a record in current.
// Terminal records accept nothing, and a status change must follow the
// transition table.
func (u Update) Permits(current Status) bool {
	if current.IsTerminal() {
		return false
	}
	return u.Status == nil || current.CanTransitionTo(*u.Status)
}

// AllowedFrom lists the stored statuses u may be written over.
func (u Update) AllowedFrom() []Status {
	var from []Status
	for _, s := range allStatuses {
		if u.Permits(s) {
			from = append(from, s)
		}
	}
	return from
}

// Apply copies the set fields onto n.
func (u Update) Apply(n *Notification) {
	if u.Status != nil {
		n.Status = *u.Status
	}
	if u.Attempts != nil {
		n.Attempts = *u.Attempts
	}
	if u.LastError != nil {
		msg := *u.LastError
		n.LastError = &msg
	}
	if u.ProcessedAt != nil {
		n.ProcessedAt = cloneTime(u.ProcessedAt)
	}
	if u.FailedAt != nil {
		n.FailedAt = cloneTime(u.FailedAt)
	}
}

// RecentFilter narrows ListRecent. TenantID is mandatory; the rest are
// optional and ignored when empty.
type RecentFilter struct {
	TenantID string
	UserID   string
	Channel  string
	Status   Status
}

// Summary holds aggregate counts for a tenant.
type Summary struct {
	CountsByStatus map[Status]int            `json:"counts_by_status"`
	Total          int                       `json:"total"`
	ByChannel      map[string]map[Status]int `json:"by_channel,omitempty"`
}

// NewStatusCounts returns a count map holding every known status at zero.
func NewStatusCounts() map[Status]int {
	counts := make(map[Status]int, len(allStatuses))
	for _, s := range allStatuses {
		counts[s] = 0
	}
	return counts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
