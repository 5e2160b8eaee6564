// Package ledger keeps a bounded history of speech requests and stream
// sessions in the process database.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRetain = 1000
	defaultLimit  = 100
	maxSubject    = 80
)

// Ledger records request lifecycles. A nil *Ledger accepts every call and
// records nothing.
type Ledger struct {
	db     *sql.DB
	retain int
	log    *slog.Logger
}

func New(db *sql.DB, retain int, logger *slog.Logger) *Ledger {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, retain: retain, log: logger.With("component", "ledger")}
}

// Open inserts a pending record and trims the table to the retention limit.
func (l *Ledger) Open(kind Kind, subject, client string, params interface{}) (*Record, error) {
	if l == nil {
		return nil, nil
	}
	var paramsJSON []byte
	if params != nil {
		var err error
		if paramsJSON, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	rec := &Record{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		Subject:   truncate(subject, maxSubject),
		Client:    client,
		Params:    paramsJSON,
		CreatedAt: time.Now().UTC(),
	}

	_, err := l.db.Exec(`
		INSERT INTO requests (id, kind, status, subject, client, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Status, rec.Subject, rec.Client, nullString(paramsJSON), rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	if _, err := l.db.Exec(`
		DELETE FROM requests WHERE id NOT IN (
			SELECT id FROM requests ORDER BY created_at DESC LIMIT ?
		)`, l.retain); err != nil {
		l.log.Warn("trim failed", "error", err)
	}
	return rec, nil
}

// Start marks a record running.
func (l *Ledger) Start(id string) {
	if l == nil || id == "" {
		return
	}
	if _, err := l.db.Exec("UPDATE requests SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		StatusRunning, time.Now().UTC(), id, StatusPending); err != nil {
		l.log.Warn("start failed", "id", id, "error", err)
	}
}

// Complete marks a record completed and stores result as JSON.
func (l *Ledger) Complete(id string, result interface{}) {
	if l == nil || id == "" {
		return
	}
	var resultJSON []byte
	if result != nil {
		var err error
		if resultJSON, err = json.Marshal(result); err != nil {
			l.log.Warn("marshal result failed", "id", id, "error", err)
		}
	}
	if _, err := l.db.Exec("UPDATE requests SET status = ?, result = ?, completed_at = ? WHERE id = ?",
		StatusCompleted, nullString(resultJSON), time.Now().UTC(), id); err != nil {
		l.log.Warn("complete failed", "id", id, "error", err)
	}
}

// Fail marks a record failed with errMsg.
func (l *Ledger) Fail(id string, errMsg string) {
	if l == nil || id == "" {
		return
	}
	if _, err := l.db.Exec("UPDATE requests SET status = ?, error = ?, completed_at = ? WHERE id = ?",
		StatusFailed, errMsg, time.Now().UTC(), id); err != nil {
		l.log.Warn("fail failed", "id", id, "error", err)
	}
}

// Finish completes the record when err is nil and fails it otherwise.
func (l *Ledger) Finish(id string, result interface{}, err error) {
	if err != nil {
		l.Fail(id, err.Error())
		return
	}
	l.Complete(id, result)
}

const selectColumns = `SELECT id, kind, status, subject, client, params, result, error, created_at, started_at, completed_at FROM requests`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var params, result, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Status, &rec.Subject, &rec.Client, &params,
		&result, &errMsg, &rec.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if params.Valid {
		rec.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// Get returns sql.ErrNoRows when id is unknown.
func (l *Ledger) Get(id string) (*Record, error) {
	if l == nil {
		return nil, sql.ErrNoRows
	}
	return scanRecord(l.db.QueryRow(selectColumns+" WHERE id = ?", id))
}

// List returns records newest first.
func (l *Ledger) List(f Filter) ([]*Record, error) {
	records := []*Record{}
	if l == nil {
		return records, nil
	}
	if f.Limit <= 0 || f.Limit > l.retain {
		f.Limit = defaultLimit
	}

	query := selectColumns + " WHERE (? = '' OR kind = ?) AND (? = '' OR status = ?) ORDER BY created_at DESC LIMIT ?"
	rows, err := l.db.Query(query, f.Kind, f.Kind, f.Status, f.Status, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
