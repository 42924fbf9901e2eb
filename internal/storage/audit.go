package storage

import "time"

// AuditEntry is an append-only record of an approval lifecycle event.
type AuditEntry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendAudit records an approval lifecycle event.
func (db *DB) AppendAudit(requestID, event, actor, comment string) error {
	_, err := db.Exec(
		"INSERT INTO approval_audit (request_id, event, actor, comment, created_at) VALUES (?, ?, ?, ?, ?)",
		requestID, event, actor, comment, time.Now().UTC(),
	)
	return err
}

// GetAuditTrail returns the audit entries for an approval request in order.
func (db *DB) GetAuditTrail(requestID string) ([]*AuditEntry, error) {
	rows, err := db.Query(
		"SELECT id, request_id, event, actor, comment, created_at FROM approval_audit WHERE request_id = ? ORDER BY id ASC",
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Event, &e.Actor, &e.Comment, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}
