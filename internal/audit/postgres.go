package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sqldesk.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Every driver failure is wrapped
// in a StoreError so callers can tell persistence failures apart from the
// query-execution errors they also handle.
type PGStore struct {
	db *sql.DB
}

// Open connects to the audit database and tunes the pool.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing handle. Used by tests.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Record(ctx context.Context, entry Entry) (Record, error) {
	if err := entry.validate(); err != nil {
		return Record{}, err
	}
	status := entry.Status
	if status == "" {
		status = StatusPending
	}
	rec := Record{
		ID:           ids.New(),
		Timestamp:    time.Now().UTC(),
		Actor:        entry.Actor,
		QueryText:    entry.QueryText,
		Database:     entry.Database,
		Status:       status,
		DefectNumber: entry.DefectNumber,
		ErrorMessage: entry.ErrorMessage,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(audit_id, audit_timestamp, executed_by_user, query_text, database_name, status, defect_number, rows_affected, error_message)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.Timestamp, rec.Actor, rec.QueryText, rec.Database,
		string(rec.Status), rec.DefectNumber, rec.RowsAffected, nullable(rec.ErrorMessage),
	)
	if err != nil {
		return Record{}, &StoreError{Op: "record", Err: err}
	}
	return rec, nil
}

func (s *PGStore) Finalize(ctx context.Context, id string, outcome Outcome) (Record, error) {
	if err := outcome.validate(); err != nil {
		return Record{}, err
	}
	// The status guard in the WHERE clause makes the transition atomic:
	// terminal records are never overwritten, even under concurrent calls.
	res, err := s.db.ExecContext(ctx, `
		update audit_log set status=$2, rows_affected=$3, error_message=$4
		where audit_id=$1 and status='Pending'`,
		id, string(outcome.Status), outcome.RowsAffected, nullable(outcome.ErrorMessage),
	)
	if err != nil {
		return Record{}, &StoreError{Op: "finalize", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Record{}, &StoreError{Op: "finalize", Err: err}
	}
	if affected == 0 {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		if rec.Status != StatusPending {
			return Record{}, ErrInvalidTransition
		}
		return Record{}, &StoreError{Op: "finalize", Err: errors.New("update matched no rows")}
	}
	return s.Get(ctx, id)
}

func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		select audit_id, audit_timestamp, executed_by_user, query_text, database_name, status, defect_number, rows_affected, error_message
		from audit_log where audit_id=$1`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, &StoreError{Op: "get", Err: err}
	}
	return rec, nil
}

func (s *PGStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Actor != "" {
		add("executed_by_user=$%d", filter.Actor)
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.Database != "" {
		add("database_name=$%d", filter.Database)
	}
	if !filter.From.IsZero() {
		add("audit_timestamp >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("audit_timestamp <= $%d", filter.To)
	}

	query := `select audit_id, audit_timestamp, executed_by_user, query_text, database_name, status, defect_number, rows_affected, error_message from audit_log`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by audit_timestamp desc limit $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" offset $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return res, nil
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		rec    Record
		status string
		errMsg sql.NullString
	)
	if err := scan(&rec.ID, &rec.Timestamp, &rec.Actor, &rec.QueryText, &rec.Database,
		&status, &rec.DefectNumber, &rec.RowsAffected, &errMsg); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
