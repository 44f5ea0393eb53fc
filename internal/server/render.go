package server

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
)

// HTTP header and MIME type constants.
const (
	acceptHeader             = "Accept"
	contentTypeHeader        = "Content-Type"
	contentTypeOptionsHeader = "X-Content-Type-Options"
	retryAfterHeader         = "Retry-After"
	wwwAuthenticateHeader    = "WWW-Authenticate"
	mimeTypeJSON             = "application/json"
	mimeTypeXML              = "application/xml"
	mimeTypeTextXML          = "text/xml"
	mimeTypeTextPlainUTF8    = "text/plain; charset=utf-8"
)

// httpError is an ra.Error raised by the HTTP layer itself.
type httpError struct {
	status int
	code   string
	desc   string
}

func (e *httpError) StatusCode() int { return e.status }
func (e *httpError) Error() string   { return e.desc }
func (e *httpError) RetryAfter() int { return 0 }
func (e *httpError) Code() string    { return e.code }

var (
	errTooManyRequests = &httpError{
		status: http.StatusTooManyRequests,
		code:   "CMS_GW_RATE_LIMITED",
		desc:   "too many requests",
	}
	errBodyParse = &httpError{
		status: http.StatusBadRequest,
		code:   "CMS_GW_INVALID_BODY",
		desc:   "failed to parse request body",
	}
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	XMLName xml.Name `json:"-" xml:"error"`
	Error   string   `json:"error" xml:"message"`
	Code    string   `json:"errorCode,omitempty" xml:"code,omitempty"`
}

// wantsXML reports whether the client asked for an XML response, either
// with xml=true or through the Accept header.
func wantsXML(r *http.Request) bool {
	v := r.URL.Query().Get("xml")
	if r.Form != nil {
		v = r.Form.Get("xml")
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}

	accept := r.Header.Get(acceptHeader)
	return strings.Contains(accept, mimeTypeXML) || strings.Contains(accept, mimeTypeTextXML)
}

// render writes v as JSON or XML with the given status code.
func render(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set(contentTypeOptionsHeader, "nosniff")

	var err error
	if wantsXML(r) {
		w.Header().Set(contentTypeHeader, mimeTypeXML)
		w.WriteHeader(status)
		if _, err = w.Write([]byte(xml.Header)); err == nil {
			err = xml.NewEncoder(w).Encode(v)
		}
	} else {
		w.Header().Set(contentTypeHeader, mimeTypeJSON)
		w.WriteHeader(status)
		err = json.NewEncoder(w).Encode(v)
	}

	if err != nil {
		LoggerFromContext(r.Context()).Warnw("Failed to write response", common.FieldError, err)
	}
}

// writeError writes err with the status code it carries. Errors which do
// not implement ra.Error are reported as internal server errors. The causes
// of server side errors are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := http.StatusText(status)

	var e ra.Error
	if errors.As(err, &e) {
		status = e.StatusCode()
		msg = err.Error()
		if status >= http.StatusInternalServerError {
			msg = e.Error()
		}
		if secs := e.RetryAfter(); secs > 0 {
			w.Header().Set(retryAfterHeader, strconv.Itoa(secs))
		}
	}

	if status >= http.StatusInternalServerError {
		LoggerFromContext(r.Context()).Errorw("Request failed", common.FieldError, err)
	}

	render(w, r, status, errorResponse{Error: msg, Code: errorCode(err)})
}

// errorCode returns the gateway code of the first coded error in err's
// tree.
func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}

	return ""
}
