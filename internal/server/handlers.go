package server

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/authz"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/db"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/processor"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/status"
	"github.com/go-chi/chi/v5"
)

const (
	maxBodySize   = 1 << 20
	csrPEMType    = "CERTIFICATE REQUEST"
	oldCSRPEMType = "NEW CERTIFICATE REQUEST"
)

// statusResponse is the body of a status query.
type statusResponse struct {
	XMLName      xml.Name `json:"-" xml:"checkRequest"`
	RequestID    string   `json:"requestId" xml:"requestId"`
	RequestType  string   `json:"requestType,omitempty" xml:"requestType,omitempty"`
	Status       string   `json:"status,omitempty" xml:"status,omitempty"`
	CreatedOn    int64    `json:"createdOn,omitempty" xml:"createdOn,omitempty"`
	UpdatedOn    int64    `json:"updatedOn,omitempty" xml:"updatedOn,omitempty"`
	SerialNumber string   `json:"serialNumber,omitempty" xml:"serialNumber,omitempty"`
	PKCS7Chain   string   `json:"pkcs7ChainBase64,omitempty" xml:"pkcs7ChainBase64,omitempty"`
	CMCResponse  string   `json:"cmcFullEnrollmentResponse,omitempty" xml:"cmcFullEnrollmentResponse,omitempty"`
	Error        string   `json:"error,omitempty" xml:"error,omitempty"`
}

// requestSummary describes a request in listings and submit responses.
type requestSummary struct {
	RequestID string `json:"requestId" xml:"requestId"`
	Type      string `json:"requestType" xml:"requestType"`
	Status    string `json:"status" xml:"status"`
	Owner     string `json:"owner,omitempty" xml:"owner,omitempty"`
	ProfileID string `json:"profileId,omitempty" xml:"profileId,omitempty"`
	CreatedOn int64  `json:"createdOn" xml:"createdOn"`
	UpdatedOn int64  `json:"updatedOn" xml:"updatedOn"`
}

type listResponse struct {
	XMLName  xml.Name         `json:"-" xml:"requests"`
	Total    int64            `json:"total" xml:"total,attr"`
	Requests []requestSummary `json:"requests" xml:"request"`
}

type processResponse struct {
	XMLName       xml.Name `json:"-" xml:"processReq"`
	Status        string   `json:"status" xml:"status"`
	RequestID     string   `json:"requestId,omitempty" xml:"requestId,omitempty"`
	RequestStatus string   `json:"requestStatus,omitempty" xml:"requestStatus,omitempty"`
	SerialNumbers []string `json:"serialNumbers,omitempty" xml:"serialNumber,omitempty"`
	Detail        string   `json:"detail,omitempty" xml:"detail,omitempty"`
}

type auditResponse struct {
	XMLName xml.Name         `json:"-" xml:"auditEvents"`
	Records []ra.AuditRecord `json:"records" xml:"record"`
}

// processForm carries the fields of an agent action, from either a form or
// a JSON body.
type processForm struct {
	SeqNum             string      `json:"seqNum"`
	ToDo               string      `json:"toDo"`
	NotValidBefore     json.Number `json:"notValidBefore"`
	NotValidAfter      json.Number `json:"notValidAfter"`
	Subject            string      `json:"subject"`
	SignatureAlgorithm string      `json:"signatureAlgorithm"`
	AddExts            string      `json:"addExts"`
	PathLenConstraint  json.Number `json:"pathLenConstraint"`
	Assignee           string      `json:"assignee"`
}

// submitForm is the JSON body of a certificate request submission.
type submitForm struct {
	CSR          string `json:"csr"`
	Type         string `json:"requestType"`
	ProfileID    string `json:"profileId"`
	ValidityDays int    `json:"validityDays"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func summarize(r *ra.Request) requestSummary {
	return requestSummary{
		RequestID: r.ID.String(),
		Type:      string(r.Type),
		Status:    string(r.Status),
		Owner:     r.Owner,
		ProfileID: r.ExtData[ra.ExtProfileID],
		CreatedOn: unixOrZero(r.CreatedAt),
		UpdatedOn: unixOrZero(r.UpdatedAt),
	}
}

// isJSON reports whether the request body is JSON.
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(contentTypeHeader))
	return err == nil && mediaType == mimeTypeJSON
}

// checkRequest handles the status query endpoints.
func (s *server) checkRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	id := chi.URLParam(r, requestIDParamName)
	if id == "" {
		id = r.FormValue(requestIDParamName)
	}

	res, err := s.status.Check(ctx, status.Query{
		Token:        authz.TokenFromContext(ctx),
		RequestID:    id,
		Format:       r.FormValue("format"),
		QueryPending: r.FormValue("queryPending"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	render(w, r, http.StatusOK, statusResponse{
		RequestID:    res.RequestID.String(),
		RequestType:  string(res.RequestType),
		Status:       string(res.Status),
		CreatedOn:    unixOrZero(res.CreatedOn),
		UpdatedOn:    unixOrZero(res.UpdatedOn),
		SerialNumber: res.SerialNumber,
		PKCS7Chain:   res.PKCS7Chain,
		CMCResponse:  res.CMCResponse,
		Error:        res.Error,
	})
}

// processRequest handles agent actions.
func (s *server) processRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var form processForm
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", errBodyParse, err))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", errBodyParse, err))
			return
		}
		form = processForm{
			SeqNum:             r.Form.Get("seqNum"),
			ToDo:               r.Form.Get("toDo"),
			NotValidBefore:     json.Number(r.Form.Get("notValidBefore")),
			NotValidAfter:      json.Number(r.Form.Get("notValidAfter")),
			Subject:            r.Form.Get("subject"),
			SignatureAlgorithm: r.Form.Get("signatureAlgorithm"),
			AddExts:            r.Form.Get("addExts"),
			PathLenConstraint:  json.Number(r.Form.Get("pathLenConstraint")),
			Assignee:           r.Form.Get("assignee"),
		}
	}

	overrides, err := form.overrides()
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.processor.Process(ctx, processor.ActionRequest{
		Token:     authz.TokenFromContext(ctx),
		SeqNum:    form.SeqNum,
		Action:    form.ToDo,
		Overrides: overrides,
		Assignee:  form.Assignee,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := processResponse{
		Status:        string(res.Status),
		SerialNumbers: res.SerialNumbers,
		Detail:        res.Detail,
	}
	if res.Request != nil {
		resp.RequestID = res.Request.ID.String()
		resp.RequestStatus = string(res.Request.Status)
	}

	code := http.StatusOK
	if res.Status == processor.StatusUnauthorized {
		code = http.StatusForbidden
	}

	render(w, r, code, resp)
}

// overrides converts the form fields into certificate overrides.
func (f processForm) overrides() (ra.Overrides, error) {
	o := ra.Overrides{
		SignatureAlgorithm: strings.TrimSpace(f.SignatureAlgorithm),
		Subject:            strings.TrimSpace(f.Subject),
	}

	var err error
	if o.NotBefore, err = epochSeconds("notValidBefore", f.NotValidBefore); err != nil {
		return ra.Overrides{}, err
	}
	if o.NotAfter, err = epochSeconds("notValidAfter", f.NotValidAfter); err != nil {
		return ra.Overrides{}, err
	}

	if exts := strings.TrimSpace(f.AddExts); exts != "" {
		der, err := base64.StdEncoding.DecodeString(exts)
		if err != nil {
			return ra.Overrides{}, fmt.Errorf("%w: addExts is not base64: %w", ra.ErrInvalidInput, err)
		}
		if o.Extensions, err = ra.ParseExtensions(der); err != nil {
			return ra.Overrides{}, fmt.Errorf("%w: addExts: %w", ra.ErrInvalidInput, err)
		}
	}

	if v := strings.TrimSpace(f.PathLenConstraint.String()); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 {
			return ra.Overrides{}, fmt.Errorf("%w: invalid pathLenConstraint %q", ra.ErrInvalidInput, v)
		}
		if n >= 0 {
			o.PathLenConstraint = &n
		}
	}

	return o, nil
}

func epochSeconds(name string, n json.Number) (int64, error) {
	v := strings.TrimSpace(n.String())
	if v == "" {
		return 0, nil
	}

	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", ra.ErrInvalidInput, name, v)
	}

	return secs, nil
}

// submitRequest stores a new enrollment request from a PKCS#10 CSR. The
// body is either JSON or a base64 or PEM encoded CSR.
func (s *server) submitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := LoggerFromContext(ctx)

	if err := s.authorize(r, ra.ResourceEnrollment, ra.OperationSubmit); err != nil {
		writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBodyParse, err))
		return
	}

	form := submitForm{CSR: string(body)}
	if isJSON(r) {
		form = submitForm{}
		if err := json.Unmarshal(body, &form); err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", errBodyParse, err))
			return
		}
	}

	reqType := ra.TypeEnrollment
	if form.Type != "" {
		if reqType, err = ra.ParseRequestType(form.Type); err != nil {
			writeError(w, r, err)
			return
		}
	}

	csr, err := decodeCSR(form.CSR)
	if err != nil {
		writeError(w, r, err)
		return
	}

	validity := s.validity
	if form.ValidityDays > 0 {
		validity = time.Duration(form.ValidityDays) * 24 * time.Hour
	}

	notBefore := time.Now().UTC().Truncate(time.Second)
	info, err := ra.CertInfoFromCSR(csr, notBefore, notBefore.Add(validity))
	if err != nil {
		writeError(w, r, err)
		return
	}

	token := authz.TokenFromContext(ctx)
	req := &ra.Request{
		Type:      reqType,
		Status:    ra.StatusPending,
		CertInfos: []ra.CertInfo{info},
		ExtData:   map[string]string{ra.ExtRequestorName: token.Subject()},
	}
	if form.ProfileID != "" {
		req.ExtData[ra.ExtProfileID] = form.ProfileID
	}

	created, err := s.queue.SubmitRequest(ctx, req)
	if err != nil {
		writeError(w, r, ra.ProcessingError(err))
		return
	}

	logger.Infow("Request submitted", common.FieldRequestID, created.ID, common.FieldAgent, token.Subject())

	w.Header().Set("Location", requestsEndpoint+"/"+created.ID.String())
	render(w, r, http.StatusCreated, summarize(created))
}

// decodeCSR decodes a PEM or base64 encoded PKCS#10 request.
func decodeCSR(s string) (*x509.CertificateRequest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: no CSR provided", ra.ErrInvalidInput)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		if block.Type != csrPEMType && block.Type != oldCSRPEMType {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ra.ErrInvalidInput, block.Type)
		}
		der = block.Bytes
	} else {
		var err error
		if der, err = base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), "")); err != nil {
			return nil, fmt.Errorf("%w: CSR is neither PEM nor base64: %w", ra.ErrInvalidInput, err)
		}
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ra.ErrInvalidCertInfo, err)
	}

	return csr, nil
}

// listRequests returns one page of requests.
func (s *server) listRequests(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, ra.ResourceEnrollment, ra.OperationRead); err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	var (
		f   ra.ListFilter
		err error
	)
	if v := q.Get("status"); v != "" {
		if f.Status, err = ra.ParseStatus(v); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if v := q.Get("type"); v != "" {
		if f.Type, err = ra.ParseRequestType(v); err != nil {
			writeError(w, r, err)
			return
		}
	}
	f.Owner = q.Get("owner")
	if f.Limit, err = nonNegative(q, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Offset, err = nonNegative(q, "offset"); err != nil {
		writeError(w, r, err)
		return
	}

	reqs, total, err := s.queue.ListRequests(r.Context(), f)
	if err != nil {
		writeError(w, r, ra.ProcessingError(err))
		return
	}

	resp := listResponse{Total: total, Requests: make([]requestSummary, 0, len(reqs))}
	for _, req := range reqs {
		resp.Requests = append(resp.Requests, summarize(req))
	}

	render(w, r, http.StatusOK, resp)
}

// auditEvents returns appended audit records, oldest first.
func (s *server) auditEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, ra.ResourceAudit, ra.OperationRead); err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	f := db.AuditFilter{RequesterID: q.Get("requester")}

	var err error
	if v := q.Get(requestIDParamName); v != "" {
		if f.RequestID, err = ra.ParseRequestID(v); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid since %q", ra.ErrInvalidInput, v))
			return
		}
	}
	if f.Limit, err = nonNegative(q, "limit"); err != nil {
		writeError(w, r, err)
		return
	}

	records, err := s.auditLog.Records(r.Context(), f)
	if err != nil {
		writeError(w, r, ra.ProcessingError(err))
		return
	}

	render(w, r, http.StatusOK, auditResponse{Records: records})
}

// auditFeedHandler upgrades authorized callers to the live audit feed.
func (s *server) auditFeedHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, ra.ResourceAudit, ra.OperationRead); err != nil {
		writeError(w, r, err)
		return
	}

	s.auditFeed.ServeHTTP(w, r)
}

// healthcheck reports whether the backing store is reachable.
func (s *server) healthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(contentTypeHeader, mimeTypeTextPlainUTF8)

	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			LoggerFromContext(r.Context()).Warnw("Health check failed", common.FieldError, err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("UNAVAILABLE\n"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// nonNegative parses an optional non-negative integer query parameter.
func nonNegative(q map[string][]string, name string) (int, error) {
	vals := q[name]
	if len(vals) == 0 || vals[0] == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", ra.ErrInvalidInput, name, vals[0])
	}

	return n, nil
}
