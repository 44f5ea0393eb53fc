package ra

import (
	"crypto/x509"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RequestID identifies a request in the queue.
type RequestID uint64

// ParseRequestID parses a decimal request id. A "0x" prefixed hexadecimal
// id is accepted as well. Surrounding whitespace is ignored.
func ParseRequestID(s string) (RequestID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrNoRequestID
	}

	var (
		v   uint64
		err error
	)
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err = strconv.ParseUint(hex, 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRequestID, s)
	}

	return RequestID(v), nil
}

// String returns the decimal form of the id.
func (id RequestID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Hex returns the 0x prefixed hexadecimal form of the id.
func (id RequestID) Hex() string {
	return "0x" + strconv.FormatUint(uint64(id), 16)
}

// RequestType is the kind of work a request asks for.
type RequestType string

const (
	TypeEnrollment   RequestType = "enrollment"
	TypeRenewal      RequestType = "renewal"
	TypeRevocation   RequestType = "revocation"
	TypeUnrevocation RequestType = "unrevocation"
)

// IssuesCertificates reports whether completed requests of this type carry
// issued certificates.
func (t RequestType) IssuesCertificates() bool {
	return t == TypeEnrollment || t == TypeRenewal
}

// ParseRequestType validates s as a request type.
func ParseRequestType(s string) (RequestType, error) {
	switch t := RequestType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeEnrollment, TypeRenewal, TypeRevocation, TypeUnrevocation:
		return t, nil
	}

	return "", fmt.Errorf("%w: unknown request type %q", ErrInvalidInput, s)
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusSvcPending Status = "svc_pending"
	StatusComplete   Status = "complete"
	StatusRejected   Status = "rejected"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCanceled
}

// ParseStatus validates s as a request status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusSvcPending, StatusComplete, StatusRejected, StatusCanceled:
		return st, nil
	}

	return "", fmt.Errorf("%w: unknown request status %q", ErrInvalidInput, s)
}

// Result is the outcome recorded by the issuing service.
type Result string

const (
	ResultNone    Result = ""
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Request is a certificate request tracked by the queue.
type Request struct {
	ID          RequestID
	Type        RequestType
	Status      Status
	Owner       string
	SourceID    RequestID
	CertInfos   []CertInfo
	IssuedCerts []*x509.Certificate
	Result      Result
	Approvals   []string
	ExtData     map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Certificates returns the issued certificates and true, or nil and false
// when none have been issued.
func (r *Request) Certificates() ([]*x509.Certificate, bool) {
	if r == nil || len(r.IssuedCerts) == 0 {
		return nil, false
	}

	return r.IssuedCerts, true
}

// ApprovedBy reports whether agentID already approved the request.
func (r *Request) ApprovedBy(agentID string) bool {
	return slices.Contains(r.Approvals, agentID)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	c := *r
	if r.CertInfos != nil {
		c.CertInfos = make([]CertInfo, len(r.CertInfos))
		for i, info := range r.CertInfos {
			c.CertInfos[i] = info.clone()
		}
	}
	c.IssuedCerts = slices.Clone(r.IssuedCerts)
	c.Approvals = slices.Clone(r.Approvals)
	c.ExtData = maps.Clone(r.ExtData)

	return &c
}
