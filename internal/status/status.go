// Package status answers certificate request status queries, optionally
// with a signed CMC response.
package status

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/cmc"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/metrics"
)

// FormatCMC requests a CMC full response.
const FormatCMC = "cmc"

// Config configures a Checker.
type Config struct {
	// AgentGroup is the RA agents group. Members may only query requests
	// owned by that group.
	AgentGroup string

	// Digest signs CMC responses. Zero selects SHA-1.
	Digest crypto.Hash

	Logger common.Logger
}

// Checker resolves status queries.
type Checker struct {
	sub        ra.Subsystems
	agentGroup string
	digest     crypto.Hash
	logger     common.Logger
}

// Query is a status query.
type Query struct {
	Token *ra.AuthToken

	// RequestID is the decimal request id. It is overridden by the
	// queryPending control of a CMC request.
	RequestID string

	Format string

	// QueryPending is a base64 CMC full request.
	QueryPending string
}

// Result is the answer to a status query.
type Result struct {
	RequestID   ra.RequestID
	RequestType ra.RequestType
	Status      ra.Status
	CreatedOn   time.Time
	UpdatedOn   time.Time

	// SerialNumber lists the serial numbers of the issued certificates in
	// lowercase hexadecimal, comma separated.
	SerialNumber string

	PKCS7Chain  string
	CMCResponse string

	// Error describes a CMC request that could not be decoded.
	Error string
}

// New returns a Checker using the queue, authorizer and signing context of
// sub.
func New(sub ra.Subsystems, cfg Config) *Checker {
	digest := cfg.Digest
	if digest == 0 {
		digest = crypto.SHA1
	}

	return &Checker{
		sub:        sub,
		agentGroup: cfg.AgentGroup,
		digest:     digest,
		logger:     alogger.OrNop(cfg.Logger).With(common.FieldModule, "status"),
	}
}

// Check resolves q. A CMC request which cannot be decoded does not fail the
// query: the problem is reported in Result.Error and no CMC response is
// produced.
func (c *Checker) Check(ctx context.Context, q Query) (*Result, error) {
	format := metrics.FormatPlain
	if strings.EqualFold(strings.TrimSpace(q.Format), FormatCMC) {
		format = metrics.FormatCMC
	}

	res, err := c.check(ctx, q, format == metrics.FormatCMC)

	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, ra.ErrUnauthorized), errors.Is(err, ra.ErrNotOwner):
		outcome = metrics.OutcomeDenied
	case err != nil:
		outcome = metrics.OutcomeFailure
	}
	metrics.StatusQueries.WithLabelValues(format, outcome).Inc()

	return res, err
}

func (c *Checker) check(ctx context.Context, q Query, wantCMC bool) (*Result, error) {
	var (
		res      = &Result{}
		controls *cmc.ControlSet
		rawID    = q.RequestID
	)

	if wantCMC && strings.TrimSpace(q.QueryPending) != "" {
		cs, err := cmc.ParseFullRequest(q.QueryPending)
		if err != nil {
			c.logger.Warnw("Failed to decode CMC full request", common.FieldError, err)
			res.Error = err.Error()
			wantCMC = false
		} else {
			controls = cs
			if cs.HasQueryPending {
				rawID = cs.RequestID
			}
		}
	}

	id, err := ra.ParseRequestID(rawID)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(common.FieldRequestID, id)

	authz, err := c.sub.Authorizer.Authorize(ctx, q.Token, ra.ResourceStatus, ra.OperationRead)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize: %w", err)
	} else if authz == nil {
		logger.Infow("Status query denied", common.FieldAgent, q.Token.Subject())
		return nil, ra.ErrUnauthorized
	}

	r, err := c.sub.Queue.FindRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.agentGroup != "" && q.Token.InGroup(c.agentGroup) && r.Owner != c.agentGroup {
		logger.Infow("Request not owned by agent group", common.FieldAgent, q.Token.Subject())
		return nil, ra.ErrNotOwner
	}

	res.RequestID = r.ID
	res.RequestType = r.Type
	res.Status = r.Status
	res.CreatedOn = r.CreatedAt
	res.UpdatedOn = r.UpdatedAt

	var chain []*x509.Certificate
	if certs, ok := r.Certificates(); ok && issued(r) {
		serials := make([]string, 0, len(certs))
		for _, cert := range certs {
			serials = append(serials, cert.SerialNumber.Text(16))
		}
		res.SerialNumber = strings.Join(serials, ",")

		chain = cmc.BuildChain(certs[0], c.caChain())
		if res.PKCS7Chain, err = cmc.DegenerateChain(chain); err != nil {
			logger.Errorw("Failed to form PKCS#7 chain", common.FieldError, err)
			return nil, fmt.Errorf("%w: %w", ra.ErrFormingPKCS7, err)
		}
	}

	if wantCMC {
		if res.CMCResponse, err = c.respond(r, controls, chain); err != nil {
			logger.Errorw("Failed to form CMC response", common.FieldError, err)
			return nil, fmt.Errorf("%w: %w", ra.ErrFormingPKCS7, err)
		}
	}

	return res, nil
}

// respond builds the signed CMC response for r.
func (c *Checker) respond(r *ra.Request, controls *cmc.ControlSet, chain []*x509.Certificate) (string, error) {
	if c.sub.Signing == nil {
		return "", errors.New("no signing context")
	}

	signer, err := cmc.NewSigner(c.sub.Signing, c.digest)
	if err != nil {
		return "", err
	}

	code, text := cmcStatus(r)
	params := cmc.ResponseParams{Status: code, StatusString: text}
	if controls != nil {
		params.BodyPartID = controls.BodyPartID
		params.TransactionID = controls.TransactionID
		params.RecipientNonce = controls.SenderNonce
	}

	return cmc.BuildResponse(params, signer, chain)
}

func (c *Checker) caChain() []*x509.Certificate {
	if c.sub.Signing == nil {
		return nil
	}

	return c.sub.Signing.CAChain()
}

// issued reports whether r completed with certificates to return.
func issued(r *ra.Request) bool {
	return r.Status == ra.StatusComplete && r.Type.IssuesCertificates() && r.Result == ra.ResultSuccess
}

// cmcStatus maps the request status to a CMC status.
func cmcStatus(r *ra.Request) (cmc.StatusCode, string) {
	switch r.Status {
	case ra.StatusComplete:
		if r.Result == ra.ResultFailure {
			return cmc.StatusFailed, r.ExtData[ra.ExtErrorMessage]
		}
		return cmc.StatusSuccess, ""
	case ra.StatusRejected, ra.StatusCanceled:
		return cmc.StatusFailed, "request " + string(r.Status)
	default:
		return cmc.StatusPending, ""
	}
}
