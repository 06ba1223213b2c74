package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"sqldesk.org/internal/audit"
	"sqldesk.org/internal/auth"
	"sqldesk.org/internal/dbexec"
)

// fakeRunner scripts Query/Exec outcomes and records what was executed.
type fakeRunner struct {
	queryResult dbexec.Result
	queryErr    error

	execResult    dbexec.Result
	execCommitted bool
	execErr       error

	queries []string
	execs   []string
	maxRows []int64
}

func (f *fakeRunner) Query(ctx context.Context, target, stmt string) (dbexec.Result, error) {
	f.queries = append(f.queries, stmt)
	return f.queryResult, f.queryErr
}

func (f *fakeRunner) Exec(ctx context.Context, target, stmt string, maxRows int64) (dbexec.Result, bool, error) {
	f.execs = append(f.execs, stmt)
	f.maxRows = append(f.maxRows, maxRows)
	return f.execResult, f.execCommitted, f.execErr
}

func submitReq(sql string) Request {
	return Request{
		SQL:          sql,
		Database:     "backoffice",
		DefectNumber: "DEF-1",
		Actor:        "alice",
		Role:         auth.RoleStandard,
	}
}

func TestSubmitSelectSuccess(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{queryResult: dbexec.Result{
		Columns:      []string{"id"},
		Rows:         [][]string{{"1"}, {"2"}},
		RowsAffected: 2,
	}}
	svc := NewService(store, runner)

	sub, err := svc.Submit(context.Background(), submitReq("SELECT id FROM orders"))
	if err != nil {
		t.Fatal(err)
	}
	if !sub.Verdict.Allowed || sub.NeedsConfirmation {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.Record.Status != audit.StatusSuccess || sub.Record.RowsAffected != 2 {
		t.Fatalf("unexpected record: %+v", sub.Record)
	}
	if len(runner.queries) != 1 || len(runner.execs) != 0 {
		t.Fatalf("expected one read execution, got %+v", runner)
	}

	records, _ := store.List(context.Background(), audit.Filter{})
	if len(records) != 1 {
		t.Fatalf("exactly one audit record per submission, got %d", len(records))
	}
}

func TestSubmitRejectionWritesTerminalRecord(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{}
	svc := NewService(store, runner)

	sub, err := svc.Submit(context.Background(), submitReq("DROP TABLE orders"))
	if err != nil {
		t.Fatal(err)
	}
	if sub.Verdict.Allowed {
		t.Fatal("DDL must be rejected")
	}
	if sub.Record.Status != audit.StatusError || sub.Record.ErrorMessage == "" {
		t.Fatalf("unexpected record: %+v", sub.Record)
	}
	if len(runner.queries)+len(runner.execs) != 0 {
		t.Fatal("rejected statements must never reach the database")
	}

	records, _ := store.List(context.Background(), audit.Filter{})
	if len(records) != 1 {
		t.Fatalf("exactly one audit record per submission, got %d", len(records))
	}
}

func TestSubmitExecutionErrorFinalizesRecord(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{queryErr: errors.New(`relation "orders" does not exist`)}
	svc := NewService(store, runner)

	sub, err := svc.Submit(context.Background(), submitReq("SELECT * FROM orders"))
	if err == nil {
		t.Fatal("expected execution error")
	}
	if sub.Record.Status != audit.StatusError {
		t.Fatalf("unexpected status: %s", sub.Record.Status)
	}
	if sub.Record.ErrorMessage != `relation "orders" does not exist` {
		t.Fatalf("driver message must be captured verbatim, got %q", sub.Record.ErrorMessage)
	}
}

func TestSubmitTimeoutFinalizesError(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{queryErr: fmt.Errorf("run statement: %w", context.DeadlineExceeded)}
	svc := NewService(store, runner)

	sub, err := svc.Submit(context.Background(), submitReq("SELECT * FROM orders"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if sub.Record.Status != audit.StatusError {
		t.Fatalf("timed-out statement must finalize Error, got %s", sub.Record.Status)
	}

	rec, err := store.Get(context.Background(), sub.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status == audit.StatusPending {
		t.Fatal("record left Pending after timeout")
	}
	if !strings.Contains(rec.ErrorMessage, "context deadline exceeded") {
		t.Fatalf("timeout must land in the audit trail, got %q", rec.ErrorMessage)
	}
}

func TestSubmitMutationBelowThresholdCommits(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{execResult: dbexec.Result{RowsAffected: 3}, execCommitted: true}
	svc := NewService(store, runner, WithConfirmThreshold(10))

	sub, err := svc.Submit(context.Background(), submitReq("UPDATE orders SET state='done' WHERE id=1"))
	if err != nil {
		t.Fatal(err)
	}
	if sub.NeedsConfirmation {
		t.Fatal("below threshold must not require confirmation")
	}
	if sub.Record.Status != audit.StatusSuccess || sub.Record.RowsAffected != 3 {
		t.Fatalf("unexpected record: %+v", sub.Record)
	}
	if runner.maxRows[0] != 10 {
		t.Fatalf("threshold not passed to runner: %d", runner.maxRows[0])
	}
}

func TestSubmitMutationAboveThresholdHeldPending(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{execResult: dbexec.Result{RowsAffected: 42}, execCommitted: false}
	svc := NewService(store, runner, WithConfirmThreshold(10))

	sub, err := svc.Submit(context.Background(), submitReq("DELETE FROM orders WHERE state='old'"))
	if err != nil {
		t.Fatal(err)
	}
	if !sub.NeedsConfirmation {
		t.Fatal("expected confirmation request")
	}
	if sub.Record.Status != audit.StatusPending {
		t.Fatalf("held submission must stay Pending, got %s", sub.Record.Status)
	}
	if sub.Result.RowsAffected != 42 {
		t.Fatalf("preview count missing: %+v", sub.Result)
	}
}

func TestConfirmReExecutesWithoutCap(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{execResult: dbexec.Result{RowsAffected: 42}, execCommitted: false}
	svc := NewService(store, runner, WithConfirmThreshold(10))

	held, err := svc.Submit(context.Background(), submitReq("DELETE FROM orders WHERE state='old'"))
	if err != nil {
		t.Fatal(err)
	}

	runner.execCommitted = true
	sub, err := svc.Confirm(context.Background(), held.Record.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Record.Status != audit.StatusSuccess || sub.Record.RowsAffected != 42 {
		t.Fatalf("unexpected record: %+v", sub.Record)
	}
	if runner.maxRows[1] != dbexec.NoRowCap {
		t.Fatalf("confirmed execution must be uncapped, got %d", runner.maxRows[1])
	}
}

func TestConfirmOnlyByOwnerWhilePending(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{execResult: dbexec.Result{RowsAffected: 42}}
	svc := NewService(store, runner, WithConfirmThreshold(10))

	held, err := svc.Submit(context.Background(), submitReq("DELETE FROM orders WHERE state='old'"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Confirm(context.Background(), held.Record.ID, "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.Confirm(context.Background(), "missing", "alice"); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := svc.Reject(context.Background(), held.Record.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(context.Background(), held.Record.ID, "alice"); !errors.Is(err, audit.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after reject, got %v", err)
	}
}

// gatedRunner holds uncapped executions open until released so a test can
// park one Confirm inside the database call.
type gatedRunner struct {
	fakeRunner
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRunner) Exec(ctx context.Context, target, stmt string, maxRows int64) (dbexec.Result, bool, error) {
	if maxRows == dbexec.NoRowCap {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeRunner.Exec(ctx, target, stmt, maxRows)
}

func TestConfirmSerializesConcurrentCalls(t *testing.T) {
	store := audit.NewInMemory()
	runner := &gatedRunner{
		fakeRunner: fakeRunner{execResult: dbexec.Result{RowsAffected: 42}},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	svc := NewService(store, runner, WithConfirmThreshold(10))

	held, err := svc.Submit(context.Background(), submitReq("DELETE FROM orders WHERE state='old'"))
	if err != nil {
		t.Fatal(err)
	}

	runner.execCommitted = true
	done := make(chan error, 1)
	go func() {
		_, err := svc.Confirm(context.Background(), held.Record.ID, "alice")
		done <- err
	}()
	<-runner.entered

	// The first confirm is parked inside Exec with the record still Pending;
	// a second one must not reach the database.
	if _, err := svc.Confirm(context.Background(), held.Record.ID, "alice"); !errors.Is(err, audit.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for the racing confirm, got %v", err)
	}
	if _, err := svc.Reject(context.Background(), held.Record.ID, "alice"); !errors.Is(err, audit.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for the racing reject, got %v", err)
	}

	close(runner.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := len(runner.execs); got != 2 {
		t.Fatalf("statement executed %d times, want 2 (submit preview + one confirm)", got)
	}
	rec, err := store.Get(context.Background(), held.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != audit.StatusSuccess {
		t.Fatalf("unexpected final status: %s", rec.Status)
	}
}

func TestRejectFinalizesWithoutExecution(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{execResult: dbexec.Result{RowsAffected: 42}}
	svc := NewService(store, runner, WithConfirmThreshold(10))

	held, err := svc.Submit(context.Background(), submitReq("DELETE FROM orders WHERE state='old'"))
	if err != nil {
		t.Fatal(err)
	}
	execsBefore := len(runner.execs)

	rec, err := svc.Reject(context.Background(), held.Record.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != audit.StatusRejected {
		t.Fatalf("expected RejectedByUser, got %s", rec.Status)
	}
	if len(runner.execs) != execsBefore {
		t.Fatal("reject must not execute anything")
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	store := audit.NewInMemory()
	runner := &fakeRunner{queryResult: dbexec.Result{RowsAffected: 0}}
	svc := NewService(store, runner)

	sub, err := svc.Submit(context.Background(), submitReq("SELECT 1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Get(context.Background(), sub.Record.ID, "alice", auth.RoleStandard); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.Get(context.Background(), sub.Record.ID, "bob", auth.RoleStandard); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.Get(context.Background(), sub.Record.ID, "bob", auth.RoleAdmin); err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
}

// failingStore wraps InMemory and fails Record, simulating an unavailable
// audit database.
type failingStore struct {
	*audit.InMemory
}

func (f *failingStore) Record(ctx context.Context, entry audit.Entry) (audit.Record, error) {
	return audit.Record{}, &audit.StoreError{Op: "record", Err: errors.New("connection refused")}
}

func TestSubmitAbortsWhenAuditUnavailable(t *testing.T) {
	store := &failingStore{audit.NewInMemory()}
	runner := &fakeRunner{}
	svc := NewService(store, runner)

	_, err := svc.Submit(context.Background(), submitReq("SELECT 1"))
	var storeErr *audit.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if len(runner.queries)+len(runner.execs) != 0 {
		t.Fatal("nothing may execute when the audit record cannot be written")
	}
}
