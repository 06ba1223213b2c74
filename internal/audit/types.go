// Package audit is the durable record of every query attempt. The audit
// trail is the system's core compliance guarantee: one record per
// submission, terminal statuses immutable.
package audit

import (
	"errors"
	"fmt"
	"time"
)

// Status tracks the lifecycle of a query attempt. Pending is the only
// non-terminal status; a record transitions out of it exactly once.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusSuccess  Status = "Success"
	StatusError    Status = "Error"
	StatusRejected Status = "RejectedByUser"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusRejected
}

// Valid reports whether the value is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Record is one audit log row. Fields mirror the audit_log table.
type Record struct {
	ID           string    `json:"audit_id"`
	Timestamp    time.Time `json:"audit_timestamp"`
	Actor        string    `json:"executed_by_user"`
	QueryText    string    `json:"query_text"`
	Database     string    `json:"database_name"`
	Status       Status    `json:"status"`
	DefectNumber string    `json:"defect_number"`
	RowsAffected int64     `json:"rows_affected"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Entry is the input for creating a record. Status defaults to Pending;
// validation rejections are written directly in a terminal status.
type Entry struct {
	Actor        string
	QueryText    string
	Database     string
	DefectNumber string
	Status       Status
	ErrorMessage string
}

// Outcome finalizes a Pending record.
type Outcome struct {
	Status       Status
	RowsAffected int64
	ErrorMessage string
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Actor    string
	Status   Status
	Database string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

var (
	ErrNotFound          = errors.New("audit: record not found")
	ErrInvalidTransition = errors.New("audit: record is already in a terminal state")
	ErrInvalidEntry      = errors.New("audit: invalid entry")
)

// StoreError wraps persistence failures. It is deliberately distinct from
// query-execution errors: an unrecorded attempt breaks the compliance
// guarantee and must never be swallowed by callers.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("audit store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e Entry) validate() error {
	if e.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	if e.DefectNumber == "" {
		return fmt.Errorf("%w: defect number is required", ErrInvalidEntry)
	}
	if e.Database == "" {
		return fmt.Errorf("%w: database name is required", ErrInvalidEntry)
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

func (o Outcome) validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("%w: outcome status %q is not terminal", ErrInvalidEntry, o.Status)
	}
	return nil
}
