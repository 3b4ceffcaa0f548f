// Package reminder keeps the set of study reminders, persists it through a
// key-value port and settles reminders as they fall due.
package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("reminder not found")
	ErrPastDue      = errors.New("reminder time must be in the future")
	ErrEmptySubject = errors.New("reminder subject is empty")
	// ErrPersist wraps any failure of the storage port. The in-memory set is
	// unchanged when it is returned.
	ErrPersist = errors.New("persisting reminders")
)

// State is the lifecycle of a reminder. It only moves Pending -> Notified.
type State int

const (
	Pending State = iota
	Notified
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Notified:
		return "notified"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reminder is a scheduled study notification.
type Reminder struct {
	ID      string
	Subject string
	DueAt   time.Time
	state   State
}

// State reports whether the reminder has fired.
func (r Reminder) State() State { return r.state }

// Notified is shorthand for r.State() == Notified.
func (r Reminder) Notified() bool { return r.state == Notified }

// record is the persisted and wire shape: time is epoch milliseconds.
type record struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Time     int64  `json:"time"`
	Notified bool   `json:"notified"`
}

func (r Reminder) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		ID:       r.ID,
		Subject:  r.Subject,
		Time:     r.DueAt.UnixMilli(),
		Notified: r.Notified(),
	})
}

func (r *Reminder) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	r.ID = rec.ID
	r.Subject = rec.Subject
	r.DueAt = time.UnixMilli(rec.Time)
	r.state = Pending
	if rec.Notified {
		r.state = Notified
	}
	return nil
}

// Draft is a reminder that has not been validated or assigned an id.
type Draft struct {
	Subject string
	DueAt   time.Time
}

// Rejected pairs a draft with the reason it was not created.
type Rejected struct {
	Draft Draft
	Err   error
}

// Patch describes an edit. Nil fields are left unchanged.
type Patch struct {
	Subject *string
	DueAt   *time.Time
}
