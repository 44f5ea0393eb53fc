package auditfeed

import (
	"context"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/metrics"
	"github.com/google/uuid"
)

// Tee writes audit records to a primary sink and then to any number of
// observers. Only the primary sink decides whether Append fails.
type Tee struct {
	primary   ra.AuditSink
	observers []ra.AuditSink
	logger    common.Logger
}

// NewTee returns a sink writing to primary and then observers.
func NewTee(logger common.Logger, primary ra.AuditSink, observers ...ra.AuditSink) *Tee {
	return &Tee{
		primary:   primary,
		observers: observers,
		logger:    alogger.OrNop(logger).With(common.FieldModule, "audit"),
	}
}

// Append stamps rec with an id and timestamp when missing, so that every
// sink sees the same record.
func (t *Tee) Append(ctx context.Context, rec ra.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := t.primary.Append(ctx, rec); err != nil {
		return err
	}
	metrics.AuditRecords.WithLabelValues(string(rec.Outcome)).Inc()

	for _, o := range t.observers {
		if err := o.Append(ctx, rec); err != nil {
			t.logger.Warnw("Audit observer failed", common.FieldRequestID, rec.RequestID, common.FieldError, err)
		}
	}

	return nil
}
