package audit

import "context"

// Store persists audit records. Implementations must write exactly one row
// per Record call and enforce the Pending-to-terminal transition in Finalize.
type Store interface {
	// Record creates the audit row for one submission attempt. It is called
	// before execution so that a crash mid-execution still leaves a Pending
	// trace.
	Record(ctx context.Context, entry Entry) (Record, error)

	// Finalize transitions a Pending record to a terminal status. It fails
	// with ErrInvalidTransition when the record is already terminal and
	// ErrNotFound when the id is unknown.
	Finalize(ctx context.Context, id string, outcome Outcome) (Record, error)

	// Get returns a single record by id.
	Get(ctx context.Context, id string) (Record, error)

	// List returns records matching the filter, newest first. The sequence is
	// restartable via Filter.Offset.
	List(ctx context.Context, filter Filter) ([]Record, error)
}
