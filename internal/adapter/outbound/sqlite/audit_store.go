package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
)

// AuditStore is the append-only audit log. IDs come from the
// AUTOINCREMENT rowid, which is monotonic for the lifetime of the
// database; rows are never updated.
type AuditStore struct {
	db *sql.DB
}

// Append writes one event and returns its assigned id.
func (s *AuditStore) Append(ctx context.Context, e *audit.Event) (int64, error) {
	ids, err := s.AppendBatch(ctx, []*audit.Event{e})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AppendBatch writes events in one transaction and returns their ids in
// order.
func (s *AuditStore) AppendBatch(ctx context.Context, events []*audit.Event) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (ts, kind, severity, user_id, resource_type, resource_id, details, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		details := "{}"
		if len(e.Details) > 0 {
			encoded, err := json.Marshal(e.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to encode audit details: %w", err)
			}
			details = string(encoded)
		}

		res, err := stmt.ExecContext(ctx,
			e.Timestamp.UnixMilli(), string(e.Kind), string(e.Severity),
			e.UserID, e.ResourceType, e.ResourceID, details, boolToInt(e.Success))
		if err != nil {
			return nil, fmt.Errorf("failed to append audit event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read audit id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return ids, nil
}

// Query returns events matching the filter, newest first.
func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	query := `SELECT id, ts, kind, severity, user_id, resource_type, resource_id, details, success
	          FROM audit_log WHERE 1=1`
	var args []any

	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, f.Until.UnixMilli())
	}

	query += ` ORDER BY id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Stats aggregates counts by kind and severity since the cutoff.
func (s *AuditStore) Stats(ctx context.Context, since time.Time) (*audit.Stats, error) {
	stats := &audit.Stats{
		ByKind:     make(map[audit.Kind]int64),
		BySeverity: make(map[audit.Severity]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, severity, COUNT(*) FROM audit_log WHERE ts >= ? GROUP BY kind, severity`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			kind, severity string
			count          int64
		)
		if err := rows.Scan(&kind, &severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.Total += count
		stats.ByKind[audit.Kind(kind)] += count
		stats.BySeverity[audit.Severity(severity)] += count
	}
	return stats, rows.Err()
}

// DeleteBefore removes events older than the cutoff (retention sweep)
// and returns the number deleted.
func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanAuditEvent(rows *sql.Rows) (*audit.Event, error) {
	var (
		e              audit.Event
		ts             int64
		kind, severity string
		details        string
		success        int
	)
	err := rows.Scan(&e.ID, &ts, &kind, &severity, &e.UserID, &e.ResourceType, &e.ResourceID, &details, &success)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}
	e.Timestamp = time.UnixMilli(ts)
	e.Kind = audit.Kind(kind)
	e.Severity = audit.Severity(severity)
	e.Success = success != 0
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
	}
	return &e, nil
}
