// Package migrate applies versioned SQL files to the audit database and
// records what ran in a single bookkeeping table.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const defaultLedgerTable = "schema_history"

// kinds distinguish schema changes from idempotent seed data.
const (
	kindMigration = "migration"
	kindSeed      = "seed"
)

// Applied is one row of the bookkeeping table.
type Applied struct {
	Name      string
	Kind      string
	Checksum  string
	AppliedAt time.Time
}

// Runner applies SQL migration and seed files stored on disk.
type Runner struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
	ledgerTable   string
}

// Option configures Runner.
type Option func(*Runner)

// WithLedgerTable overrides the bookkeeping table name.
func WithLedgerTable(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.ledgerTable = name
		}
	}
}

// NewRunner constructs a Runner over the given pool and directories.
func NewRunner(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Runner {
	r := &Runner{
		db:            db,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		ledgerTable:   defaultLedgerTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Up applies all pending .up.sql migrations in name order.
func (r *Runner) Up(ctx context.Context) error {
	return r.apply(ctx, r.migrationsDir, ".up.sql", kindMigration)
}

// Seed applies seed files once each. Seeds that already ran are skipped by
// name, so re-running seed after adding files is safe. ${NAME} references in
// seed files are filled from the environment so credentials never live in
// the repository; an unset reference aborts the run.
func (r *Runner) Seed(ctx context.Context) error {
	return r.apply(ctx, r.seedsDir, ".sql", kindSeed)
}

func (r *Runner) apply(ctx context.Context, dir, suffix, kind string) error {
	if err := r.ensureLedger(ctx); err != nil {
		return err
	}
	done, err := r.appliedNames(ctx, kind)
	if err != nil {
		return err
	}
	files, err := collectSQL(dir, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.name] {
			continue
		}
		sum, err := r.execFile(ctx, f.path, kind == kindSeed)
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.name, err)
		}
		if err := r.recordApplied(ctx, f.name, kind, sum); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureLedger(ctx); err != nil {
		return err
	}
	history, err := r.History(ctx)
	if err != nil {
		return err
	}
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == kindMigration {
			last = history[i].Name
			break
		}
	}
	if last == "" {
		return errors.New("no migrations applied")
	}
	downPath := strings.TrimSuffix(filepath.Join(r.migrationsDir, last), ".up.sql") + ".down.sql"
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if _, err := r.execFile(ctx, downPath, false); err != nil {
		return fmt.Errorf("rollback %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1 and kind = $2`, r.ledgerTable),
		last, kindMigration)
	return err
}

// History returns everything applied, oldest first.
func (r *Runner) History(ctx context.Context) ([]Applied, error) {
	if err := r.ensureLedger(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`select name, kind, checksum, applied_at from %s order by applied_at asc, name asc`,
		r.ledgerTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.Kind, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) ensureLedger(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name       text not null,
			kind       text not null,
			checksum   text not null,
			applied_at timestamptz not null default now(),
			primary key (name, kind)
		);`, r.ledgerTable))
	return err
}

// execFile runs every statement of one file inside a transaction and
// returns the file's checksum. The checksum covers the raw file, not the
// expanded text, so seed history stays stable across environments.
func (r *Runner) execFile(ctx context.Context, path string, expand bool) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)

	text := string(raw)
	if expand {
		if text, err = expandEnv(text); err != nil {
			return "", err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(text) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func (r *Runner) recordApplied(ctx context.Context, name, kind, checksum string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`insert into %s(name, kind, checksum, applied_at) values ($1, $2, $3, $4)`, r.ledgerTable),
		name, kind, checksum, time.Now().UTC())
	return err
}

func (r *Runner) appliedNames(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s where kind = $1`, r.ledgerTable), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

type sqlFile struct {
	name string
	path string
}

func collectSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		files = append(files, sqlFile{name: d.Name(), path: path})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

var envRefRe = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// expandEnv fills ${NAME} references from the environment. Only the braced
// form is recognized so positional parameters in SQL stay untouched. Unset
// or empty variables are an error: a seed must never run with a blank
// credential in place of a real one.
func expandEnv(sql string) (string, error) {
	var missing []string
	out := envRefRe.ReplaceAllStringFunc(sql, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variable(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// splitStatements splits on semicolons outside single-quoted strings. Good
// enough for the migration files in this repo; no dollar-quoting support.
func splitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for _, r := range sql {
		cur.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, cur.String())
				cur.Reset()
			}
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
