// Package audit keeps a local trail of bridge lifecycle and delivery
// events in the same database as the outbox.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Entry struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return w.Now().UTC().Format(time.RFC3339)
}

// Record appends one entry. Payload may be nil.
func (w Writer) Record(ctx context.Context, typ, subject, actor string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,type,subject,actor,payload_json) VALUES (?,?,?,?,?)`,
		w.now(), typ, nullable(subject), nullable(actor), string(data))
	return err
}

// Tail returns the most recent entries, newest first.
func (w Writer) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,subject,actor,payload_json FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		var subject, actor sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &subject, &actor, &payload); err != nil {
			return nil, err
		}
		if subject.Valid {
			e.Subject = subject.String
		}
		if actor.Valid {
			e.Actor = actor.String
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
