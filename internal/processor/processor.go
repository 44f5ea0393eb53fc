// Package processor applies agent actions to certificate requests and
// audits every outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/metrics"
)

// ResultStatus is the outcome reported to the caller.
type ResultStatus string

const (
	StatusSuccess      ResultStatus = "SUCCESS"
	StatusUnauthorized ResultStatus = "UNAUTHORIZED"
)

// Audit details, one per result branch.
const (
	detailDenied          = "agent not authorized"
	detailAwaitApproval   = "approval recorded, awaiting additional approvals"
	detailServiceApproved = "request approved, awaiting issuing service"
	detailIssued          = "certificates issued"
	detailCompleted       = "request completed"
	detailRejected        = "request rejected"
	detailCanceled        = "request canceled"
	detailAssigned        = "request assigned to %s"
	detailUnassigned      = "request unassigned"
	detailCloned          = "request cloned as %s"
)

// Config configures a Processor.
type Config struct {
	Logger common.Logger
}

// Processor executes agent actions through the request queue.
type Processor struct {
	sub    ra.Subsystems
	logger common.Logger
}

// ActionRequest is one agent action on a request.
type ActionRequest struct {
	Token *ra.AuthToken

	// SeqNum is the decimal id of the request.
	SeqNum string

	// Action is one of accept, reject, cancel, clone, assign or unassign.
	Action string

	// Overrides amend the pending certificate information on accept.
	Overrides ra.Overrides

	// Assignee is the new owner on assign. It defaults to the caller.
	Assignee string
}

// ActionResult is the outcome of a processed action.
type ActionResult struct {
	Status ResultStatus

	// Request is the request after the action. For clone it is the newly
	// created request.
	Request *ra.Request

	// SerialNumbers lists issued certificate serial numbers in lowercase
	// hexadecimal.
	SerialNumbers []string

	Detail string
}

// New returns a processor using the queue, authorizer and audit sink of
// sub.
func New(sub ra.Subsystems, cfg Config) *Processor {
	return &Processor{
		sub:    sub,
		logger: alogger.OrNop(cfg.Logger).With(common.FieldModule, "processor"),
	}
}

// Process validates and applies req. Invalid input fails without an audit
// record. Every other outcome is audited before Process returns, and a
// failure to write the audit record fails the call. A denied caller gets an
// UNAUTHORIZED result and a nil error.
func (p *Processor) Process(ctx context.Context, req ActionRequest) (res *ActionResult, err error) {
	id, err := ra.ParseRequestID(req.SeqNum)
	if err != nil {
		return nil, err
	}

	action, err := ra.ParseAction(req.Action)
	if err != nil {
		return nil, err
	}

	agent := req.Token.Subject()
	logger := p.logger.With(common.FieldRequestID, id, common.FieldAction, string(action), common.FieldAgent, agent)

	rec := ra.AuditRecord{
		RequesterID: agent,
		Action:      action,
		Outcome:     ra.OutcomeSuccess,
		Reason:      ra.ReasonNotApplicable,
		RequestID:   id,
	}

	defer func() {
		outcome := metrics.OutcomeSuccess
		switch {
		case err != nil:
			kind := ra.Classify(err)
			rec.Outcome = ra.OutcomeFailure
			rec.Reason = ra.ReasonFor(action, kind)
			rec.Detail = err.Error()
			outcome = metrics.OutcomeFailure
			logger.Warnw("Action failed", common.FieldError, err, "reason", rec.Reason.String())
			err = publicError(err)

		case res != nil && res.Status == StatusUnauthorized:
			outcome = metrics.OutcomeDenied
		}

		if aerr := p.sub.Audit.Append(ctx, rec); aerr != nil {
			logger.Errorw("Failed to write audit record", common.FieldError, aerr)
			res, err = nil, ra.ProcessingError(fmt.Errorf("failed to write audit record: %w", aerr))
			outcome = metrics.OutcomeFailure
		}

		metrics.RequestActions.WithLabelValues(string(action), outcome).Inc()
	}()

	authz, err := p.sub.Authorizer.Authorize(ctx, req.Token, ra.ResourceEnrollment, action.Operation())
	if err != nil {
		return nil, fmt.Errorf("failed to authorize: %w", err)
	}
	if authz == nil {
		logger.Infow("Action denied")
		rec.Outcome = ra.OutcomeFailure
		rec.Reason = ra.ReasonAuthFailure
		rec.Detail = detailDenied
		return &ActionResult{Status: StatusUnauthorized, Detail: detailDenied}, nil
	}

	r, err := p.sub.Queue.FindRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Status = r.Status

	switch action {
	case ra.ActionAccept:
		res, err = p.accept(ctx, r, agent, req.Overrides, &rec)
	case ra.ActionReject:
		res, err = p.finish(ctx, r, p.sub.Queue.RejectRequest, detailRejected, &rec)
	case ra.ActionCancel:
		res, err = p.finish(ctx, r, p.sub.Queue.CancelRequest, detailCanceled, &rec)
	case ra.ActionClone:
		res, err = p.clone(ctx, r, &rec)
	case ra.ActionAssign:
		owner := strings.TrimSpace(req.Assignee)
		if owner == "" {
			owner = agent
		}
		res, err = p.assign(ctx, r, owner, fmt.Sprintf(detailAssigned, owner), &rec)
	case ra.ActionUnassign:
		res, err = p.assign(ctx, r, "", detailUnassigned, &rec)
	}
	if err != nil {
		return nil, err
	}

	logger.Infow("Action processed", common.FieldStatus, string(res.Request.Status))

	return res, nil
}

func (p *Processor) accept(ctx context.Context, r *ra.Request, agent string, o ra.Overrides, rec *ra.AuditRecord) (*ActionResult, error) {
	if r.Status != ra.StatusPending {
		return nil, fmt.Errorf("%w: request %s is %s", ra.ErrInvalidTransition, r.ID, r.Status)
	}

	// Malformed overrides are refused before the queue is touched. The
	// queue applies them again to the stored record under its lock.
	for _, info := range r.CertInfos {
		if _, _, err := info.With(o); err != nil {
			return nil, err
		}
	}

	out, err := p.sub.Queue.ApproveRequest(ctx, r, agent, o)
	if out != nil {
		rec.Status = out.Status
	}
	if err != nil {
		return nil, err
	}

	res := &ActionResult{Status: StatusSuccess, Request: out}

	switch out.Status {
	case ra.StatusPending:
		res.Detail = detailAwaitApproval
	case ra.StatusApproved, ra.StatusSvcPending:
		res.Detail = detailServiceApproved
	case ra.StatusComplete:
		res.Detail = detailCompleted
		if certs, ok := out.Certificates(); ok {
			res.Detail = detailIssued
			for _, cert := range certs {
				res.SerialNumbers = append(res.SerialNumbers, cert.SerialNumber.Text(16))
				rec.SerialNumbers = append(rec.SerialNumbers, ra.SerialHex(cert))
			}
			metrics.CertificatesIssued.Add(float64(len(certs)))
		}
	default:
		res.Detail = "request " + string(out.Status)
	}
	rec.Detail = res.Detail

	return res, nil
}

type transition func(ctx context.Context, r *ra.Request) (*ra.Request, error)

func (p *Processor) finish(ctx context.Context, r *ra.Request, fn transition, detail string, rec *ra.AuditRecord) (*ActionResult, error) {
	out, err := fn(ctx, r)
	if err != nil {
		return nil, err
	}

	rec.Status = out.Status
	rec.Detail = detail

	return &ActionResult{Status: StatusSuccess, Request: out, Detail: detail}, nil
}

func (p *Processor) clone(ctx context.Context, r *ra.Request, rec *ra.AuditRecord) (*ActionResult, error) {
	out, err := p.sub.Queue.CloneAndMarkPending(ctx, r)
	if err != nil {
		return nil, err
	}

	detail := fmt.Sprintf(detailCloned, out.ID)
	rec.Detail = detail

	return &ActionResult{Status: StatusSuccess, Request: out, Detail: detail}, nil
}

func (p *Processor) assign(ctx context.Context, r *ra.Request, owner, detail string, rec *ra.AuditRecord) (*ActionResult, error) {
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: request %s is %s", ra.ErrInvalidTransition, r.ID, r.Status)
	}

	updated := r.Clone()
	updated.Owner = owner
	if err := p.sub.Queue.UpdateRequest(ctx, updated); err != nil {
		return nil, err
	}

	rec.Detail = detail

	return &ActionResult{Status: StatusSuccess, Request: updated, Detail: detail}, nil
}

// publicError returns err unchanged when it carries a condition the caller
// can act on, and a processing error wrapping it otherwise.
func publicError(err error) error {
	for _, target := range []error{
		ra.ErrRequestNotFound,
		ra.ErrInvalidTransition,
		ra.ErrProfileRejected,
		ra.ErrDeferred,
		ra.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return err
		}
	}

	return ra.ProcessingError(err)
}
