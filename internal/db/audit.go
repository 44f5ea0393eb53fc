package db

import (
	"context"
	"fmt"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/google/uuid"
)

// AuditLog is an append-only ra.AuditSink stored in the database. It has no
// update or delete operations.
type AuditLog struct {
	db *DB
}

// NewAuditLog returns an audit log writing to db.
func NewAuditLog(db *DB) *AuditLog {
	return &AuditLog{db: db}
}

// Append stores rec. A missing id or timestamp is filled in.
func (a *AuditLog) Append(ctx context.Context, rec ra.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := a.db.conn.WithContext(ctx).Create(newAuditEvent(rec)).Error; err != nil {
		return fmt.Errorf("failed to append audit record %s: %w", rec.ID, err)
	}

	return nil
}

// AuditFilter narrows Records. Zero values match everything.
type AuditFilter struct {
	RequestID   ra.RequestID
	RequesterID string
	Since       time.Time
	Limit       int
}

// Records returns audit records matching f, oldest first.
func (a *AuditLog) Records(ctx context.Context, f AuditFilter) ([]ra.AuditRecord, error) {
	query := a.db.conn.WithContext(ctx).Model(&AuditEvent{})
	if f.RequestID != 0 {
		query = query.Where("request_id = ?", uint64(f.RequestID))
	}
	if f.RequesterID != "" {
		query = query.Where("requester_id = ?", f.RequesterID)
	}
	if !f.Since.IsZero() {
		query = query.Where("occurred_at >= ?", f.Since)
	}

	limit := f.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	var events []AuditEvent
	if err := query.Order("occurred_at").Order("id").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to read audit records: %w", err)
	}

	out := make([]ra.AuditRecord, 0, len(events))
	for i := range events {
		out = append(out, events[i].toRecord())
	}

	return out, nil
}
