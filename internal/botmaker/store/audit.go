package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/botmaker/common/redact"
)

// AuditEntry is one recorded operator action.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	TraceID   string
	Actor     string
	Action    string
	Subject   sql.NullString
	// ParamsJSON holds the action parameters, redacted before storage.
	ParamsJSON sql.NullString
}

// WriteAudit appends an operator action to the audit trail. Params are
// passed through redact.Map before they touch disk so tokens and passwords
// never persist in cleartext.
func (s *Store) WriteAudit(ctx context.Context, traceID, actor, action, subject string, params map[string]any) error {
	var paramsJSON sql.NullString
	if params != nil {
		raw, err := json.Marshal(redact.Map(params))
		if err != nil {
			return fmt.Errorf("failed to marshal audit params: %w", err)
		}
		paramsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	var subjectNull sql.NullString
	if subject != "" {
		subjectNull = sql.NullString{String: subject, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, actor, action, subject, params)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now(), traceID, actor, action, subjectNull, paramsJSON)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog retrieves recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, actor, action, subject, params
		FROM audit_log
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.TraceID, &entry.Actor,
			&entry.Action, &entry.Subject, &entry.ParamsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
