// Package outbox is the durable, idempotent log of actions awaiting
// delivery to the remote system of record.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskbridge/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Namespace for deterministic event ids. Fixed forever: changing it would
// re-deliver every previously recorded action.
var eventNamespace = uuid.MustParse("a5b2f9d4-6c1e-4b8a-9f3e-2d7c0e8a1b64")

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventID derives the idempotency key for an action. Payload is
// canonicalized (JSON object keys sorted) so equivalent payloads collide.
func EventID(taskRef string, kind domain.EventKind, payload map[string]any) (string, string, error) {
	norm, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	seed := strings.Join([]string{taskRef, string(kind), string(norm)}, "\x00")
	return uuid.NewSHA1(eventNamespace, []byte(seed)).String(), string(norm), nil
}

func (s Store) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

// Append records an action. Appending an equivalent action again is a
// no-op while the stored event is pending or sent; a permanently failed
// event is revived to pending. Returns the event and whether a new row
// was inserted.
func (s Store) Append(ctx context.Context, taskRef string, kind domain.EventKind, payload map[string]any, profile string) (domain.OutboxEvent, bool, error) {
	if taskRef == "" {
		return domain.OutboxEvent{}, false, fmt.Errorf("task reference is required")
	}
	switch kind {
	case domain.EventKindComment, domain.EventKindStatusChange:
	default:
		return domain.OutboxEvent{}, false, fmt.Errorf("unsupported event kind %q", kind)
	}
	id, norm, err := EventID(taskRef, kind, payload)
	if err != nil {
		return domain.OutboxEvent{}, false, err
	}
	existing, err := s.Get(ctx, id)
	if err == nil {
		if existing.Status == domain.EventStatusFailed {
			now := s.now()
			_, err = s.DB.ExecContext(ctx, `UPDATE outbox_events SET status='pending', attempt_count=0, last_error=NULL, updated_at=? WHERE id=?`, now, id)
			if err != nil {
				return domain.OutboxEvent{}, false, err
			}
			revived, err := s.Get(ctx, id)
			return revived, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.OutboxEvent{}, false, err
	}
	now := s.now()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO outbox_events(id,task_ref,kind,payload_json,profile,status,attempt_count,created_at,updated_at)
VALUES (?,?,?,?,?,'pending',0,?,?)`,
		id, taskRef, string(kind), norm, nullable(profile), now, now)
	if err != nil {
		return domain.OutboxEvent{}, false, err
	}
	ev, err := s.Get(ctx, id)
	return ev, true, err
}

// Get returns one event by id.
func (s Store) Get(ctx context.Context, id string) (domain.OutboxEvent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT seq,id,task_ref,kind,payload_json,profile,status,attempt_count,last_error,created_at,updated_at,sent_at FROM outbox_events WHERE id=?`, id)
	return scanEvent(row)
}

// ListPending returns undelivered events in insertion order, which also
// preserves append order per task reference.
func (s Store) ListPending(ctx context.Context) ([]domain.OutboxEvent, error) {
	return s.list(ctx, `WHERE status='pending'`)
}

// Filters narrows List output.
type Filters struct {
	Status  domain.EventStatus
	TaskRef string
	Limit   int
}

// List returns events for audit inspection, newest first.
func (s Store) List(ctx context.Context, f Filters) ([]domain.OutboxEvent, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.TaskRef != "" {
		clauses = append(clauses, "task_ref=?")
		args = append(args, f.TaskRef)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT seq,id,task_ref,kind,payload_json,profile,status,attempt_count,last_error,created_at,updated_at,sent_at FROM outbox_events ` + where + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s Store) list(ctx context.Context, where string) ([]domain.OutboxEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq,id,task_ref,kind,payload_json,profile,status,attempt_count,last_error,created_at,updated_at,sent_at FROM outbox_events `+where+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// MarkSent finalizes a delivered event.
func (s Store) MarkSent(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `UPDATE outbox_events SET status='sent', sent_at=?, updated_at=? WHERE id=? AND status='pending'`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a delivery failure. Permanent failures leave the
// pending set; transient ones stay pending for the next run.
func (s Store) MarkFailed(ctx context.Context, id, cause string, permanent bool) error {
	now := s.now()
	status := "pending"
	if permanent {
		status = "failed"
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE outbox_events SET status=?, attempt_count=attempt_count+1, last_error=?, updated_at=? WHERE id=? AND status='pending'`,
		status, cause, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus summarizes the outbox for status output.
func (s Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, count(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// Purge deletes every event, delivery history included. Callers gate
// this behind an explicit force flag.
func (s Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM outbox_events`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (domain.OutboxEvent, error) {
	ev, err := scanFrom(row)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	return ev, err
}

func scanEventRows(rows *sql.Rows) (domain.OutboxEvent, error) {
	return scanFrom(rows)
}

func scanFrom(r rowScanner) (domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	var kind, status string
	var profile, lastError, sentAt sql.NullString
	err := r.Scan(&ev.Seq, &ev.ID, &ev.TaskRef, &kind, &ev.PayloadJSON, &profile, &status, &ev.AttemptCount, &lastError, &ev.CreatedAt, &ev.UpdatedAt, &sentAt)
	if err != nil {
		return ev, err
	}
	ev.Kind = domain.EventKind(kind)
	ev.Status = domain.EventStatus(status)
	if profile.Valid {
		ev.Profile = profile.String
	}
	if lastError.Valid {
		ev.LastError = lastError.String
	}
	if sentAt.Valid {
		ev.SentAt = &sentAt.String
	}
	return ev, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
