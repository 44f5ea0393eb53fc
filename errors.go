package ra

import (
	"errors"
	"fmt"
	"net/http"
)

// reqError is an error with a fixed gateway code implementing Error.
type reqError struct {
	status     int
	code       string
	desc       string
	retryAfter int
}

// StatusCode returns the HTTP status code.
func (e *reqError) StatusCode() int {
	return e.status
}

// Error returns a human-readable description of the error.
func (e *reqError) Error() string {
	return e.desc
}

// RetryAfter returns the value in seconds after which the client should
// retry the request.
func (e *reqError) RetryAfter() int {
	return e.retryAfter
}

// Code returns the gateway error code.
func (e *reqError) Code() string {
	return e.code
}

// Sentinel errors. Callers compare with errors.Is.
var (
	ErrNoRequestID = &reqError{
		status: http.StatusBadRequest,
		code:   "CMS_GW_NO_REQUEST_ID_PROVIDED",
		desc:   "no request id provided",
	}
	ErrInvalidRequestID = &reqError{
		status: http.StatusBadRequest,
		code:   "CMS_GW_INVALID_REQUEST_ID",
		desc:   "invalid request id",
	}
	ErrInvalidAction = &reqError{
		status: http.StatusBadRequest,
		code:   "CMS_GW_INVALID_ACTION",
		desc:   "invalid action",
	}
	ErrInvalidInput = &reqError{
		status: http.StatusBadRequest,
		code:   "CMS_GW_INVALID_INPUT",
		desc:   "invalid input",
	}
	ErrUnauthenticated = &reqError{
		status: http.StatusUnauthorized,
		code:   "CMS_AUTHENTICATION_ERROR",
		desc:   "authentication required",
	}
	ErrUnauthorized = &reqError{
		status: http.StatusForbidden,
		code:   "CMS_AUTHORIZATION_ERROR",
		desc:   "unauthorized",
	}
	ErrNotOwner = &reqError{
		status: http.StatusForbidden,
		code:   "CMS_GW_REQUEST_NOT_OWNED",
		desc:   "request is not owned by the agent group",
	}
	ErrRequestNotFound = &reqError{
		status: http.StatusNotFound,
		code:   "CMSGW_REQUEST_ID_NOT_FOUND",
		desc:   "request not found",
	}
	ErrInvalidTransition = &reqError{
		status: http.StatusConflict,
		code:   "CMS_REQUEST_NOT_PENDING",
		desc:   "request is not in a state that allows this action",
	}
	ErrProfileRejected = &reqError{
		status: http.StatusForbidden,
		code:   "CMS_REQUEST_REJECTED",
		desc:   "request rejected by profile",
	}
	ErrDeferred = &reqError{
		status:     http.StatusAccepted,
		code:       "CMS_REQUEST_DEFERRED",
		desc:       "request deferred",
		retryAfter: 600,
	}
	ErrUnsupportedAlgorithm = &reqError{
		status: http.StatusBadRequest,
		code:   "CMS_ALGORITHM_NOT_FOUND",
		desc:   "unsupported algorithm",
	}
	ErrInvalidCertInfo = &reqError{
		status: http.StatusBadRequest,
		code:   "CMS_INVALID_CERT_INFO",
		desc:   "invalid certificate information",
	}
	ErrFormingPKCS7 = &reqError{
		status: http.StatusInternalServerError,
		code:   "CMS_GW_FORMING_PKCS7_ERROR",
		desc:   "error forming PKCS#7 response",
	}
	ErrProcessing = &reqError{
		status: http.StatusInternalServerError,
		code:   "CMS_GW_PROCESSING_ERROR",
		desc:   "error processing request",
	}
)

// ErrorCode returns the gateway code of the first coded error in err's tree,
// or an empty string.
func ErrorCode(err error) string {
	var re *reqError
	if errors.As(err, &re) {
		return re.code
	}

	return ""
}

// ProcessingError wraps cause so that it reports as ErrProcessing while
// keeping cause reachable through errors.Is and errors.As.
func ProcessingError(cause error) error {
	return fmt.Errorf("%w: %w", ErrProcessing, cause)
}
