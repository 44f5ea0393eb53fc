package db

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// RequiredApprovals is the number of distinct agents which must accept
	// a request before it is handed to the issuer. Values below one are
	// treated as one.
	RequiredApprovals int

	// Issuer issues the certificates of approved requests. Without an
	// issuer approved requests stay approved for an external service.
	Issuer ra.Issuer
}

// Queue is a ra.RequestQueue backed by the database. Mutating transitions
// for the same request id are serialized with an in-process lock and run
// inside a transaction.
type Queue struct {
	db                *DB
	issuer            ra.Issuer
	requiredApprovals int
	locks             *keyedMutex
	logger            common.Logger
}

// NewQueue returns a new request queue.
func NewQueue(db *DB, cfg QueueConfig) *Queue {
	return &Queue{
		db:                db,
		issuer:            cfg.Issuer,
		requiredApprovals: max(cfg.RequiredApprovals, 1),
		locks:             newKeyedMutex(),
		logger:            db.logger.With(common.FieldModule, "queue"),
	}
}

// SubmitRequest stores r as a new pending request.
func (q *Queue) SubmitRequest(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no request", ra.ErrInvalidInput)
	}

	rec := newRequestRecord(r)
	rec.ID = 0
	rec.Status = string(ra.StatusPending)
	rec.Result = string(ra.ResultNone)
	rec.Approvals = nil
	if rec.Type == "" {
		rec.Type = string(ra.TypeEnrollment)
	}

	if err := q.db.conn.WithContext(ctx).Omit(clause.Associations).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to store request: %w", err)
	}

	q.logger.Infow("request submitted", common.FieldRequestID, rec.ID, "type", rec.Type)
	return rec.toRequest()
}

// FindRequest returns the request with the given id.
func (q *Queue) FindRequest(ctx context.Context, id ra.RequestID) (*ra.Request, error) {
	rec, err := q.load(q.db.conn.WithContext(ctx), id, false)
	if err != nil {
		return nil, err
	}

	return rec.toRequest()
}

// UpdateRequest persists the owner, certificate information and extension
// data of r. Terminal requests are left untouched.
func (q *Queue) UpdateRequest(ctx context.Context, r *ra.Request) error {
	_, err := q.mutate(ctx, r, func(_ *gorm.DB, rec *RequestRecord) error {
		if ra.Status(rec.Status).Terminal() {
			return fmt.Errorf("%w: request %d is %s", ra.ErrInvalidTransition, rec.ID, rec.Status)
		}

		rec.Owner = r.Owner
		rec.CertInfos = slices.Clone(r.CertInfos)
		rec.ExtData = maps.Clone(r.ExtData)
		return nil
	})

	return err
}

// ApproveRequest applies o to the stored certificate information and records
// the approval of agentID in one transaction. Once enough agents approved,
// the certificates are issued and the request completes.
//
// An issuer refusal wrapping ra.ErrProfileRejected rejects the request and
// is returned together with the updated request. An issuer answer wrapping
// ra.ErrDeferred leaves the request in svc_pending.
func (q *Queue) ApproveRequest(ctx context.Context, r *ra.Request, agentID string, o ra.Overrides) (*ra.Request, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: no approving agent", ra.ErrInvalidInput)
	}

	var refused error
	out, err := q.mutate(ctx, r, func(tx *gorm.DB, rec *RequestRecord) error {
		if rec.Status != string(ra.StatusPending) {
			return fmt.Errorf("%w: request %d is %s", ra.ErrInvalidTransition, rec.ID, rec.Status)
		}
		if slices.Contains(rec.Approvals, agentID) {
			return fmt.Errorf("%w: request %d already approved by %s", ra.ErrInvalidTransition, rec.ID, agentID)
		}

		if !o.Empty() {
			infos := slices.Clone(rec.CertInfos)
			for i, info := range infos {
				next, _, err := info.With(o)
				if err != nil {
					return err
				}
				infos[i] = next
			}
			rec.CertInfos = infos
		}

		rec.Approvals = append(rec.Approvals, agentID)
		if len(rec.Approvals) < q.requiredApprovals {
			return nil
		}

		rec.Status = string(ra.StatusApproved)
		if q.issuer == nil {
			return nil
		}

		refused = q.issue(ctx, tx, rec)
		if refused != nil && !errors.Is(refused, ra.ErrProfileRejected) {
			return refused
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, refused
}

// issue issues the certificates of rec. Issuer errors other than a profile
// rejection abort the transaction. Certificates issued before the issuer
// defers are stored with the svc_pending request.
func (q *Queue) issue(ctx context.Context, tx *gorm.DB, rec *RequestRecord) error {
	if !ra.RequestType(rec.Type).IssuesCertificates() {
		rec.Status = string(ra.StatusComplete)
		rec.Result = string(ra.ResultSuccess)
		return nil
	}

	status := ra.StatusComplete
	certs := make([]IssuedCertificate, 0, len(rec.CertInfos))
issuing:
	for i, info := range rec.CertInfos {
		cert, err := q.issuer.Issue(ctx, info)
		switch {
		case errors.Is(err, ra.ErrDeferred):
			status = ra.StatusSvcPending
			q.logger.Infow("issuance deferred", common.FieldRequestID, rec.ID, "issued", len(certs))
			break issuing
		case errors.Is(err, ra.ErrProfileRejected):
			rec.Status = string(ra.StatusRejected)
			rec.Result = string(ra.ResultFailure)
			if rec.ExtData == nil {
				rec.ExtData = map[string]string{}
			}
			rec.ExtData[ra.ExtErrorMessage] = err.Error()
			return err
		case err != nil:
			return fmt.Errorf("failed to issue certificate %d of request %d: %w", i, rec.ID, err)
		}

		certs = append(certs, newIssuedCertificate(rec.ID, i, cert))
	}

	if len(certs) > 0 {
		if err := tx.Create(&certs).Error; err != nil {
			return fmt.Errorf("failed to store issued certificates: %w", err)
		}
	}

	rec.Certificates = certs
	rec.Status = string(status)
	if status == ra.StatusComplete {
		rec.Result = string(ra.ResultSuccess)
	}

	return nil
}

// RejectRequest moves a non-terminal request to rejected.
func (q *Queue) RejectRequest(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	return q.finish(ctx, r, ra.StatusRejected)
}

// CancelRequest moves a non-terminal request to canceled.
func (q *Queue) CancelRequest(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	return q.finish(ctx, r, ra.StatusCanceled)
}

func (q *Queue) finish(ctx context.Context, r *ra.Request, status ra.Status) (*ra.Request, error) {
	return q.mutate(ctx, r, func(_ *gorm.DB, rec *RequestRecord) error {
		if ra.Status(rec.Status).Terminal() {
			return fmt.Errorf("%w: request %d is %s", ra.ErrInvalidTransition, rec.ID, rec.Status)
		}

		rec.Status = string(status)
		return nil
	})
}

// CloneAndMarkPending creates a new pending request from r.
func (q *Queue) CloneAndMarkPending(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no request", ra.ErrInvalidInput)
	}

	unlock := q.locks.Lock(r.ID)
	defer unlock()

	var clone *RequestRecord
	err := q.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		src, err := q.load(tx, r.ID, true)
		if err != nil {
			return err
		}

		clone = &RequestRecord{
			Type:      src.Type,
			Status:    string(ra.StatusPending),
			SourceID:  src.ID,
			CertInfos: slices.Clone(src.CertInfos),
			ExtData:   maps.Clone(src.ExtData),
		}
		if clone.ExtData == nil {
			clone.ExtData = map[string]string{}
		}
		delete(clone.ExtData, ra.ExtErrorMessage)
		clone.ExtData[ra.ExtClonedFrom] = ra.RequestID(src.ID).String()

		return tx.Omit(clause.Associations).Create(clone).Error
	})
	if err != nil {
		return nil, err
	}

	q.logger.Infow("request cloned", common.FieldRequestID, clone.ID, "source", clone.SourceID)
	return clone.toRequest()
}

// ListRequests returns one page of requests matching f, ordered by id.
func (q *Queue) ListRequests(ctx context.Context, f ra.ListFilter) ([]*ra.Request, int64, error) {
	query := q.db.conn.WithContext(ctx).Model(&RequestRecord{})
	if f.Status != "" {
		query = query.Where("status = ?", string(f.Status))
	}
	if f.Type != "" {
		query = query.Where("type = ?", string(f.Type))
	}
	if f.Owner != "" {
		query = query.Where("owner = ?", f.Owner)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	var recs []*RequestRecord
	err := query.Preload("Certificates", orderByPosition).
		Order("id").Limit(limit).Offset(max(f.Offset, 0)).
		Find(&recs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}

	out := make([]*ra.Request, 0, len(recs))
	for _, rec := range recs {
		r, err := rec.toRequest()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}

	return out, total, nil
}

const maxPageSize = 100

// mutate runs fn on the stored record of r under the request lock and in a
// transaction, saves the record and returns the updated request.
func (q *Queue) mutate(ctx context.Context, r *ra.Request, fn func(tx *gorm.DB, rec *RequestRecord) error) (*ra.Request, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no request", ra.ErrInvalidInput)
	}

	unlock := q.locks.Lock(r.ID)
	defer unlock()

	var out *ra.Request
	err := q.db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := q.load(tx, r.ID, true)
		if err != nil {
			return err
		}

		if err := fn(tx, rec); err != nil {
			return err
		}

		rec.UpdatedAt = time.Now()
		if err := tx.Omit(clause.Associations).Save(rec).Error; err != nil {
			return fmt.Errorf("failed to save request %d: %w", rec.ID, err)
		}

		out, err = rec.toRequest()
		return err
	})
	if err != nil {
		return nil, err
	}

	q.logger.Debugw("request updated", common.FieldRequestID, out.ID, common.FieldStatus, out.Status)
	return out, nil
}

// load reads the record with the given id together with its certificates.
func (q *Queue) load(tx *gorm.DB, id ra.RequestID, forUpdate bool) (*RequestRecord, error) {
	if forUpdate && q.db.lockRows() {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var rec RequestRecord
	err := tx.Preload("Certificates", orderByPosition).First(&rec, uint64(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ra.ErrRequestNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}

	return &rec, nil
}

func orderByPosition(tx *gorm.DB) *gorm.DB {
	return tx.Order("position")
}
