package ra

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"time"
)

// Action is an agent operation on a request.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
	ActionClone    Action = "clone"
	ActionAssign   Action = "assign"
	ActionUnassign Action = "unassign"
)

// ParseAction validates s as an agent action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionReject, ActionCancel, ActionClone, ActionAssign, ActionUnassign:
		return a, nil
	case "":
		return "", fmt.Errorf("%w: no action provided", ErrInvalidAction)
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Operation returns the authorization operation guarding the action.
func (a Action) Operation() string {
	switch a {
	case ActionAssign:
		return OperationAssign
	case ActionUnassign:
		return OperationUnassign
	default:
		return OperationExecute
	}
}

// Outcome is the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ReasonCode tells why an audited action failed.
type ReasonCode int

const (
	ReasonNotApplicable ReasonCode = iota - 1
	ReasonAuthFailure
	ReasonNoReason
	ReasonBaseException
	ReasonIOException
	ReasonCertificateException
	ReasonAlgorithmNotFound
	ReasonNotFound
	ReasonInvalidTransition
)

var reasonNames = map[ReasonCode]string{
	ReasonNotApplicable:        "",
	ReasonAuthFailure:          "authorization failure",
	ReasonNoReason:             "no reason given",
	ReasonBaseException:        "processing error",
	ReasonIOException:          "I/O error",
	ReasonCertificateException: "certificate error",
	ReasonAlgorithmNotFound:    "algorithm not found",
	ReasonNotFound:             "request not found",
	ReasonInvalidTransition:    "invalid state transition",
}

func (c ReasonCode) String() string {
	if s, ok := reasonNames[c]; ok {
		return s
	}

	return fmt.Sprintf("reason(%d)", int(c))
}

// ErrorKind is the closed classification of failures during processing.
type ErrorKind int

const (
	KindUnspecified ErrorKind = iota
	KindUnauthorized
	KindBase
	KindIO
	KindCertificate
	KindAlgorithm
	KindNotFound
	KindInvalidTransition
)

// Classify maps an error to its kind.
func Classify(err error) ErrorKind {
	var (
		pathErr    *fs.PathError
		netErr     net.Error
		certErr    x509.CertificateInvalidError
		insecure   x509.InsecureAlgorithmError
		structural asn1.StructuralError
		syntax     asn1.SyntaxError
	)

	switch {
	case err == nil:
		return KindUnspecified
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnauthenticated):
		return KindUnauthorized
	case errors.Is(err, ErrRequestNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrUnsupportedAlgorithm), errors.As(err, &insecure):
		return KindAlgorithm
	case errors.Is(err, ErrInvalidCertInfo), errors.As(err, &certErr),
		errors.As(err, &structural), errors.As(err, &syntax):
		return KindCertificate
	case errors.As(err, &pathErr), errors.As(err, &netErr),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindIO
	default:
		return KindBase
	}
}

// ReasonFor returns the audit reason code recorded when action fails with
// an error of the given kind. Assignment never touches certificate data, so
// certificate and algorithm kinds collapse into a base failure for it.
func ReasonFor(action Action, kind ErrorKind) ReasonCode {
	switch kind {
	case KindUnauthorized:
		return ReasonAuthFailure
	case KindUnspecified:
		return ReasonNoReason
	case KindIO:
		return ReasonIOException
	case KindNotFound:
		return ReasonNotFound
	case KindInvalidTransition:
		return ReasonInvalidTransition
	case KindCertificate, KindAlgorithm:
		if action == ActionAssign || action == ActionUnassign {
			return ReasonBaseException
		}
		if kind == KindAlgorithm {
			return ReasonAlgorithmNotFound
		}
		return ReasonCertificateException
	default:
		return ReasonBaseException
	}
}

// AuditRecord is an immutable account of one agent action.
type AuditRecord struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	RequesterID   string     `json:"requesterId"`
	Action        Action     `json:"action"`
	Outcome       Outcome    `json:"outcome"`
	Reason        ReasonCode `json:"reason"`
	RequestID     RequestID  `json:"requestId"`
	Status        Status     `json:"status,omitempty"`
	SerialNumbers []string   `json:"serialNumbers,omitempty"`
	Detail        string     `json:"detail,omitempty"`
}

// SerialHex renders a certificate serial number in 0x prefixed lowercase
// hexadecimal, the form used in audit records.
func SerialHex(cert *x509.Certificate) string {
	return "0x" + cert.SerialNumber.Text(16)
}
