// Package query ties validation, auditing and execution together: every
// submission is validated, recorded exactly once, then executed and
// finalized.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sqldesk.org/internal/audit"
	"sqldesk.org/internal/auth"
	"sqldesk.org/internal/dbexec"
	"sqldesk.org/internal/sqlcheck"
)

// ErrNotOwner indicates a confirm/reject attempt on another user's submission.
var ErrNotOwner = errors.New("query: submission belongs to another user")

// Request is one query submission. DefectNumber is the mandatory tracking
// identifier required for every attempt.
type Request struct {
	SQL          string
	Database     string
	DefectNumber string
	Actor        string
	Role         auth.Role
}

// Submission is the outcome of Submit. When the verdict is a rejection the
// record is already terminal and Result is empty. NeedsConfirmation means a
// mutating statement exceeded the row threshold: its changes were rolled
// back and the record stays Pending until Confirm or Reject.
type Submission struct {
	Record            audit.Record
	Verdict           sqlcheck.Verdict
	Result            dbexec.Result
	NeedsConfirmation bool
}

// Service coordinates the submission lifecycle.
type Service struct {
	policy    sqlcheck.Policy
	store     audit.Store
	runner    dbexec.Runner
	threshold int64

	mu       sync.Mutex
	inflight map[string]struct{}
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithPolicy overrides the validation policy.
func WithPolicy(p sqlcheck.Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithConfirmThreshold sets the rows-affected count above which mutating
// statements are held for confirmation.
func WithConfirmThreshold(n int64) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.threshold = n
		}
	}
}

// NewService constructs the submission service.
func NewService(store audit.Store, runner dbexec.Runner, opts ...ServiceOption) *Service {
	s := &Service{
		policy:    sqlcheck.DefaultPolicy,
		store:     store,
		runner:    runner,
		threshold: 10,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates, records and executes one query. Exactly one audit record
// is written in every path; audit write failures abort the request before
// any execution is attempted.
func (s *Service) Submit(ctx context.Context, req Request) (Submission, error) {
	verdict := s.policy.Validate(req.SQL, req.Role)

	if !verdict.Allowed {
		// Rejected before execution: the record is terminal from the start.
		rec, err := s.store.Record(ctx, audit.Entry{
			Actor:        req.Actor,
			QueryText:    req.SQL,
			Database:     req.Database,
			DefectNumber: req.DefectNumber,
			Status:       audit.StatusError,
			ErrorMessage: verdict.Message,
		})
		if err != nil {
			return Submission{}, err
		}
		return Submission{Record: rec, Verdict: verdict}, nil
	}

	rec, err := s.store.Record(ctx, audit.Entry{
		Actor:        req.Actor,
		QueryText:    verdict.Normalized,
		Database:     req.Database,
		DefectNumber: req.DefectNumber,
	})
	if err != nil {
		return Submission{}, err
	}

	if verdict.Kind == sqlcheck.KindSelect {
		res, execErr := s.runner.Query(ctx, req.Database, verdict.Normalized)
		if execErr != nil {
			return s.finishError(ctx, rec, verdict, execErr)
		}
		rec, err = s.store.Finalize(ctx, rec.ID, audit.Outcome{
			Status:       audit.StatusSuccess,
			RowsAffected: res.RowsAffected,
		})
		if err != nil {
			return Submission{}, err
		}
		return Submission{Record: rec, Verdict: verdict, Result: res}, nil
	}

	res, committed, execErr := s.runner.Exec(ctx, req.Database, verdict.Normalized, s.threshold)
	if execErr != nil {
		return s.finishError(ctx, rec, verdict, execErr)
	}
	if !committed {
		// Changes rolled back; the Pending record waits for Confirm/Reject.
		return Submission{Record: rec, Verdict: verdict, Result: res, NeedsConfirmation: true}, nil
	}
	rec, err = s.store.Finalize(ctx, rec.ID, audit.Outcome{
		Status:       audit.StatusSuccess,
		RowsAffected: res.RowsAffected,
	})
	if err != nil {
		return Submission{}, err
	}
	return Submission{Record: rec, Verdict: verdict, Result: res}, nil
}

// Confirm re-executes a held mutating statement and commits it. Only the
// submitting actor may confirm, and only while the record is Pending. The
// record is claimed for the duration of the call so two racing confirms
// cannot both reach the database before either finalizes.
func (s *Service) Confirm(ctx context.Context, auditID, actor string) (Submission, error) {
	if !s.claim(auditID) {
		return Submission{}, audit.ErrInvalidTransition
	}
	defer s.release(auditID)

	rec, err := s.ownedPending(ctx, auditID, actor)
	if err != nil {
		return Submission{}, err
	}

	res, _, execErr := s.runner.Exec(ctx, rec.Database, rec.QueryText, dbexec.NoRowCap)
	if execErr != nil {
		rec, ferr := s.store.Finalize(ctx, rec.ID, audit.Outcome{
			Status:       audit.StatusError,
			ErrorMessage: execErr.Error(),
		})
		if ferr != nil {
			return Submission{}, ferr
		}
		return Submission{Record: rec}, fmt.Errorf("execute: %w", execErr)
	}
	rec, err = s.store.Finalize(ctx, rec.ID, audit.Outcome{
		Status:       audit.StatusSuccess,
		RowsAffected: res.RowsAffected,
	})
	if err != nil {
		return Submission{}, err
	}
	return Submission{Record: rec, Result: res}, nil
}

// Reject marks a held submission as rejected by the user. Nothing is
// executed; the earlier rollback already discarded the changes.
func (s *Service) Reject(ctx context.Context, auditID, actor string) (audit.Record, error) {
	if !s.claim(auditID) {
		return audit.Record{}, audit.ErrInvalidTransition
	}
	defer s.release(auditID)

	rec, err := s.ownedPending(ctx, auditID, actor)
	if err != nil {
		return audit.Record{}, err
	}
	return s.store.Finalize(ctx, rec.ID, audit.Outcome{Status: audit.StatusRejected})
}

// Get returns one audit record when the actor owns it or is an admin.
func (s *Service) Get(ctx context.Context, auditID, actor string, role auth.Role) (audit.Record, error) {
	rec, err := s.store.Get(ctx, auditID)
	if err != nil {
		return audit.Record{}, err
	}
	if rec.Actor != actor && role != auth.RoleAdmin {
		return audit.Record{}, ErrNotOwner
	}
	return rec, nil
}

// claim marks a record as having a confirm/reject in flight. The store's own
// status guard keeps the record single-transition; the claim additionally
// stops a second caller from re-executing the statement while the first one
// is still between the Pending check and Finalize.
func (s *Service) claim(auditID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[auditID]; busy {
		return false
	}
	s.inflight[auditID] = struct{}{}
	return true
}

func (s *Service) release(auditID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, auditID)
}

func (s *Service) ownedPending(ctx context.Context, auditID, actor string) (audit.Record, error) {
	rec, err := s.store.Get(ctx, auditID)
	if err != nil {
		return audit.Record{}, err
	}
	if rec.Actor != actor {
		return audit.Record{}, ErrNotOwner
	}
	if rec.Status != audit.StatusPending {
		return audit.Record{}, audit.ErrInvalidTransition
	}
	return rec, nil
}

func (s *Service) finishError(ctx context.Context, rec audit.Record, verdict sqlcheck.Verdict, execErr error) (Submission, error) {
	// The driver message is captured verbatim for the audit trail.
	final, err := s.store.Finalize(ctx, rec.ID, audit.Outcome{
		Status:       audit.StatusError,
		ErrorMessage: execErr.Error(),
	})
	if err != nil {
		return Submission{}, err
	}
	return Submission{Record: final, Verdict: verdict}, fmt.Errorf("execute: %w", execErr)
}
