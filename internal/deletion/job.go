// Package deletion schedules Telegram messages for deletion at a future time,
// tracks pending deletions, supersedes stale jobs and retries transient failures.
package deletion

import (
	"fmt"
	"time"
)

// Key identifies a deletion slot: one message in one chat.
type Key struct {
	ChatID    int64
	MessageID int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ChatID, k.MessageID)
}

// Status is the lifecycle state of a deletion job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFiring    Status = "firing"
	StatusRetrying  Status = "retrying"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Job is a snapshot of one scheduled delete.
type Job struct {
	Key       Key
	DueTime   time.Time
	Attempts  int
	Status    Status
	Backoff   time.Duration // delay applied before the current retry
	CreatedAt time.Time

	gen uint64
}

// Handle refers to one particular generation of a job. Cancelling through a
// handle never touches a newer job that has since superseded it.
type Handle struct {
	key Key
	gen uint64
	reg *Registry
}

// Key returns the slot this handle refers to.
func (h Handle) Key() Key { return h.key }

// Cancel cancels the job if it is still the live generation for its key.
func (h Handle) Cancel() bool {
	if h.reg == nil {
		return false
	}
	return h.reg.cancelGen(h.key, h.gen)
}

// Live reports whether the handle's generation is still tracked.
func (h Handle) Live() bool {
	if h.reg == nil {
		return false
	}
	j, ok := h.reg.Get(h.key)
	return ok && j.gen == h.gen
}
