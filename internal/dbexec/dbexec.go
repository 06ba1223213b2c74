// Package dbexec runs validated statements against the configured target
// databases. It knows nothing about validation or auditing; callers hand it
// statements that already passed policy.
package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrUnknownTarget indicates the submission named a database that is not
// configured.
var ErrUnknownTarget = errors.New("dbexec: unknown target database")

// NoRowCap disables the rows-affected cap in Exec.
const NoRowCap int64 = -1

// Result carries rows for read statements and the affected count for
// mutating ones. Cell values are rendered as strings for transport.
type Result struct {
	Columns      []string   `json:"columns,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
	RowsAffected int64      `json:"rows_affected"`
}

// Runner executes statements against a named target database.
type Runner interface {
	// Query runs a read statement and returns its rows.
	Query(ctx context.Context, target, stmt string) (Result, error)

	// Exec runs a mutating statement inside a transaction. When maxRows is
	// not NoRowCap and the affected count exceeds it, the transaction is
	// rolled back and committed=false is returned without error.
	Exec(ctx context.Context, target, stmt string, maxRows int64) (result Result, committed bool, err error)
}

// PGRunner implements Runner over a set of PostgreSQL pools keyed by target
// name (e.g. "backoffice", "portal").
type PGRunner struct {
	targets     map[string]*sql.DB
	timeout     time.Duration
	selectLimit int
}

// Option configures PGRunner.
type Option func(*PGRunner)

// WithTimeout bounds every statement; a timeout aborts the statement instead
// of leaving it running.
func WithTimeout(d time.Duration) Option {
	return func(r *PGRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSelectLimit caps result sets of SELECT statements that carry no LIMIT
// of their own. Zero disables the cap.
func WithSelectLimit(n int) Option {
	return func(r *PGRunner) { r.selectLimit = n }
}

// NewPGRunner builds a runner over the given pools.
func NewPGRunner(targets map[string]*sql.DB, opts ...Option) *PGRunner {
	r := &PGRunner{
		targets:     targets,
		timeout:     30 * time.Second,
		selectLimit: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Targets lists the configured target names.
func (r *PGRunner) Targets() []string {
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	return names
}

func (r *PGRunner) Query(ctx context.Context, target, stmt string) (Result, error) {
	db, err := r.lookup(target)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stmt = ApplySelectLimit(stmt, r.selectLimit)

	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}

	res := Result{Columns: cols}
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return Result{}, err
		}
		rendered := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				rendered[i] = v.String
			} else {
				rendered[i] = "NULL"
			}
		}
		res.Rows = append(res.Rows, rendered)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

func (r *PGRunner) Exec(ctx context.Context, target, stmt string, maxRows int64) (Result, bool, error) {
	db, err := r.lookup(target)
	if err != nil {
		return Result{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	execRes, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		return Result{}, false, err
	}
	affected, err := execRes.RowsAffected()
	if err != nil {
		return Result{}, false, err
	}
	res := Result{RowsAffected: affected}

	if maxRows != NoRowCap && affected > maxRows {
		if err := tx.Rollback(); err != nil {
			return Result{}, false, err
		}
		return res, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Result{}, false, err
	}
	return res, true, nil
}

func (r *PGRunner) lookup(target string) (*sql.DB, error) {
	db, ok := r.targets[strings.ToLower(strings.TrimSpace(target))]
	if !ok || db == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	return db, nil
}

var limitRe = regexp.MustCompile(`(?i)\bLIMIT\b`)

// ApplySelectLimit appends "LIMIT n" to a SELECT statement that has none.
// Non-SELECT read statements (SHOW, EXPLAIN, ...) are left untouched.
func ApplySelectLimit(stmt string, n int) string {
	if n <= 0 {
		return stmt
	}
	trimmed := strings.TrimSpace(stmt)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return stmt
	}
	if limitRe.MatchString(trimmed) {
		return stmt
	}
	trimmed = strings.TrimSuffix(trimmed, ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, n)
}

// OpenTargets opens one pool per configured DSN. Empty DSNs are skipped so a
// deployment can expose a single target.
func OpenTargets(dsns map[string]string) (map[string]*sql.DB, error) {
	targets := make(map[string]*sql.DB, len(dsns))
	for name, dsn := range dsns {
		if strings.TrimSpace(dsn) == "" {
			continue
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			for _, opened := range targets {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open target %s: %w", name, err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(15 * time.Minute)
		targets[strings.ToLower(name)] = db
	}
	return targets, nil
}
