package ra

import (
	"context"
	"crypto"
	"crypto/x509"
	"slices"
	"time"
)

// RequestQueue owns request records and their status transitions. The
// request agent is connected to any backing store by providing an
// implementation of this interface.
//
// Implementations must serialize mutating transitions per request id: at most
// one of UpdateRequest, ApproveRequest, RejectRequest, CancelRequest or
// CloneAndMarkPending may be in progress for a given id at any time.
type RequestQueue interface {
	// SubmitRequest stores r as a new pending request and returns it with
	// its assigned id.
	SubmitRequest(ctx context.Context, r *Request) (*Request, error)

	// FindRequest returns the request with the given id, or an error
	// wrapping ErrRequestNotFound.
	FindRequest(ctx context.Context, id RequestID) (*Request, error)

	// UpdateRequest persists the owner, pending certificate information and
	// extension data of a non-terminal request. It never changes the request
	// status and fails with ErrInvalidTransition once the request is
	// terminal.
	UpdateRequest(ctx context.Context, r *Request) error

	// ApproveRequest applies o to the stored certificate information of a
	// pending request, records an approval by agentID and, once enough
	// approvals are present, hands the request to the issuing service.
	// Nothing is written when the approval is refused. The returned request
	// carries the resulting status: pending (waiting for another approver),
	// approved or svc_pending (service processing), or complete
	// (certificates issued).
	ApproveRequest(ctx context.Context, r *Request, agentID string, o Overrides) (*Request, error)

	// RejectRequest moves a non-terminal request to rejected.
	RejectRequest(ctx context.Context, r *Request) (*Request, error)

	// CancelRequest moves a non-terminal request to canceled.
	CancelRequest(ctx context.Context, r *Request) (*Request, error)

	// CloneAndMarkPending creates a new pending request with a fresh id from
	// the type and certificate information of r.
	CloneAndMarkPending(ctx context.Context, r *Request) (*Request, error)

	// ListRequests returns one page of requests matching the filter together
	// with the total number of matches.
	ListRequests(ctx context.Context, f ListFilter) ([]*Request, int64, error)
}

// ListFilter narrows ListRequests. Zero values match everything.
type ListFilter struct {
	Status Status
	Type   RequestType
	Owner  string
	Limit  int
	Offset int
}

// Issuer turns approved certificate information into a certificate.
type Issuer interface {
	Issue(ctx context.Context, info CertInfo) (*x509.Certificate, error)
}

// IssuerFunc adapts an ordinary function to the Issuer interface.
type IssuerFunc func(ctx context.Context, info CertInfo) (*x509.Certificate, error)

// Issue calls f(ctx, info).
func (f IssuerFunc) Issue(ctx context.Context, info CertInfo) (*x509.Certificate, error) {
	return f(ctx, info)
}

// AuthToken is the authenticated identity of a caller.
type AuthToken struct {
	UserID string
	Groups []string
}

// InGroup reports whether the token is a member of group.
func (t *AuthToken) InGroup(group string) bool {
	if t == nil || group == "" {
		return false
	}

	return slices.Contains(t.Groups, group)
}

// Subject returns the user id of the token, or an empty string for a nil
// token.
func (t *AuthToken) Subject() string {
	if t == nil {
		return ""
	}

	return t.UserID
}

// AuthzToken is the proof that an operation on a resource was granted.
type AuthzToken struct {
	UserID    string
	Resource  string
	Operation string
	GrantedAt time.Time
}

// Authorizer decides whether a caller may perform an operation on a
// resource. A nil AuthzToken with a nil error means the caller was denied.
type Authorizer interface {
	Authorize(ctx context.Context, token *AuthToken, resource, operation string) (*AuthzToken, error)
}

// AuditSink is an append-only destination for audit records.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
}

// SigningContext gives access to the authority's signing certificate and the
// key associated with it. It is shared by all requests and never mutated.
type SigningContext interface {
	// SigningCert returns the certificate used to sign CMC responses.
	SigningCert() *x509.Certificate

	// PrivateKey returns the signer for the public key of cert.
	PrivateKey(cert *x509.Certificate) (crypto.Signer, error)

	// CAChain returns the CA certificates, issuing certificate first and
	// root last.
	CAChain() []*x509.Certificate
}

// Subsystems carries the collaborators of the request agent. It is passed
// explicitly to the components that need them.
type Subsystems struct {
	Queue      RequestQueue
	Authorizer Authorizer
	Audit      AuditSink
	Signing    SigningContext
}

// Error represents an error which can be translated into an HTTP
// status code and message, and optionally specify a Retry-After period.
type Error interface {
	// StatusCode returns the HTTP status code.
	StatusCode() int

	// Error returns a human-readable description of the error.
	Error() string

	// RetryAfter returns the value in seconds after which the client should
	// retry the request.
	RetryAfter() int
}
