// Package client talks to a request agent over HTTPS.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/gorilla/websocket"
)

const (
	checkRequestPath = "/ca/checkRequest"
	requestsPath     = "/ca/requests"
	processPath      = "/ca/processReq"
	auditEventsPath  = "/audit/events"
	auditFeedPath    = "/audit/feed"

	mimeTypeJSON = "application/json"
	mimeTypeForm = "application/x-www-form-urlencoded"

	maxResponseSize = 4 << 20
)

// Client represents a request agent client.
type Client struct {
	// BaseURL is the base URL of the request agent.
	BaseURL *url.URL

	// HTTPClient is the HTTP client to use for requests.
	HTTPClient *http.Client

	// Token is sent as bearer token when not empty.
	Token string

	Logger common.Logger

	tlsConfig *tls.Config
}

// Error is a failed request agent call.
type Error struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request agent returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("request agent returned %d: %s", e.StatusCode, e.Message)
}

// StatusResponse is the result of a status query.
type StatusResponse struct {
	RequestID    string `json:"requestId"`
	RequestType  string `json:"requestType"`
	Status       string `json:"status"`
	CreatedOn    int64  `json:"createdOn"`
	UpdatedOn    int64  `json:"updatedOn"`
	SerialNumber string `json:"serialNumber"`
	PKCS7Chain   string `json:"pkcs7ChainBase64"`
	CMCResponse  string `json:"cmcFullEnrollmentResponse"`
	Error        string `json:"error"`
}

// RequestSummary describes a queued request.
type RequestSummary struct {
	RequestID string `json:"requestId"`
	Type      string `json:"requestType"`
	Status    string `json:"status"`
	Owner     string `json:"owner"`
	ProfileID string `json:"profileId"`
	CreatedOn int64  `json:"createdOn"`
	UpdatedOn int64  `json:"updatedOn"`
}

// ListResponse is one page of requests.
type ListResponse struct {
	Total    int64            `json:"total"`
	Requests []RequestSummary `json:"requests"`
}

// ProcessResponse is the result of an agent action.
type ProcessResponse struct {
	Status        string   `json:"status"`
	RequestID     string   `json:"requestId"`
	RequestStatus string   `json:"requestStatus"`
	SerialNumbers []string `json:"serialNumbers"`
	Detail        string   `json:"detail"`
}

// StatusQuery selects a request and, for CMC queries, carries the signed
// CMC full request.
type StatusQuery struct {
	RequestID    string
	CMC          bool
	QueryPending string
}

// Submission is a certificate request to be queued.
type Submission struct {
	CSR          []byte
	Type         ra.RequestType
	ProfileID    string
	ValidityDays int
}

// Action is an agent action on a queued request.
type Action struct {
	SeqNum             string
	ToDo               string
	NotValidBefore     time.Time
	NotValidAfter      time.Time
	Subject            string
	SignatureAlgorithm string
	Assignee           string
}

// ListQuery filters request listings.
type ListQuery struct {
	Status ra.Status
	Type   ra.RequestType
	Owner  string
	Limit  int
	Offset int
}

// AuditQuery filters audit records.
type AuditQuery struct {
	RequestID string
	Requester string
	Since     time.Time
	Limit     int
}

// NewClient creates a new client for the request agent at baseURL. A nil
// tlsConfig selects the system defaults.
func NewClient(baseURL *url.URL, tlsConfig *tls.Config, token string, logger common.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Transport: transport},
		Token:      token,
		Logger:     alogger.OrNop(logger),
		tlsConfig:  tlsConfig,
	}
}

// CheckRequest queries the status of a request.
func (c *Client) CheckRequest(ctx context.Context, q StatusQuery) (*StatusResponse, error) {
	form := url.Values{}
	form.Set("requestId", q.RequestID)
	if q.CMC {
		form.Set("format", "cmc")
	}
	if q.QueryPending != "" {
		form.Set("queryPending", q.QueryPending)
	}

	var resp StatusResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL.JoinPath(checkRequestPath), mimeTypeForm,
		strings.NewReader(form.Encode()), &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Submit queues a new certificate request.
func (c *Client) Submit(ctx context.Context, s Submission) (*RequestSummary, error) {
	body, err := json.Marshal(struct {
		CSR          string `json:"csr"`
		Type         string `json:"requestType,omitempty"`
		ProfileID    string `json:"profileId,omitempty"`
		ValidityDays int    `json:"validityDays,omitempty"`
	}{
		CSR:          base64.StdEncoding.EncodeToString(s.CSR),
		Type:         string(s.Type),
		ProfileID:    s.ProfileID,
		ValidityDays: s.ValidityDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission: %w", err)
	}

	var resp RequestSummary
	if err := c.do(ctx, http.MethodPost, c.BaseURL.JoinPath(requestsPath), mimeTypeJSON,
		bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Process performs an agent action. An UNAUTHORIZED outcome is returned as
// a response, not as an error.
func (c *Client) Process(ctx context.Context, a Action) (*ProcessResponse, error) {
	form := url.Values{}
	form.Set("seqNum", a.SeqNum)
	form.Set("toDo", a.ToDo)
	if !a.NotValidBefore.IsZero() {
		form.Set("notValidBefore", strconv.FormatInt(a.NotValidBefore.Unix(), 10))
	}
	if !a.NotValidAfter.IsZero() {
		form.Set("notValidAfter", strconv.FormatInt(a.NotValidAfter.Unix(), 10))
	}
	for k, v := range map[string]string{
		"subject":            a.Subject,
		"signatureAlgorithm": a.SignatureAlgorithm,
		"assignee":           a.Assignee,
	} {
		if v != "" {
			form.Set(k, v)
		}
	}

	var resp ProcessResponse
	err := c.do(ctx, http.MethodPost, c.BaseURL.JoinPath(processPath), mimeTypeForm,
		strings.NewReader(form.Encode()), &resp)

	var e *Error
	if errors.As(err, &e) && e.StatusCode == http.StatusForbidden && resp.Status != "" {
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// List returns one page of requests.
func (c *Client) List(ctx context.Context, q ListQuery) (*ListResponse, error) {
	u := c.BaseURL.JoinPath(requestsPath)
	v := u.Query()
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.Type != "" {
		v.Set("type", string(q.Type))
	}
	if q.Owner != "" {
		v.Set("owner", q.Owner)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	u.RawQuery = v.Encode()

	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, u, "", nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// AuditEvents returns audit records, oldest first.
func (c *Client) AuditEvents(ctx context.Context, q AuditQuery) ([]ra.AuditRecord, error) {
	u := c.BaseURL.JoinPath(auditEventsPath)
	v := u.Query()
	if q.RequestID != "" {
		v.Set("requestId", q.RequestID)
	}
	if q.Requester != "" {
		v.Set("requester", q.Requester)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = v.Encode()

	var resp struct {
		Records []ra.AuditRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, u, "", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Records, nil
}

// WatchAudit streams live audit records to fn until ctx is done, the
// connection fails or fn returns an error.
func (c *Client) WatchAudit(ctx context.Context, fn func(ra.AuditRecord) error) error {
	u := c.BaseURL.JoinPath(auditFeedPath)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: 30 * time.Second,
	}

	header := http.Header{}
	c.authorize(header)

	c.Logger.Debugf("Connecting to audit feed: %s", u.String())
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("failed to connect to audit feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var rec ra.AuditRecord
		if err := conn.ReadJSON(&rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read audit record: %w", err)
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (c *Client) authorize(h http.Header) {
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
}

// do sends a request and decodes the JSON response into v. Error responses
// are returned as *Error, with v decoded when the body allows.
func (c *Client) do(ctx context.Context, method string, u *url.URL, contentType string, body io.Reader, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", mimeTypeJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req.Header)

	c.Logger.Debugf("Sending %s request to %s", method, u.String())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeErrorInto(resp, v)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func decodeError(resp *http.Response) error {
	return decodeErrorInto(resp, nil)
}

// decodeErrorInto builds an *Error from a failed response. The body is also
// decoded into v when v is not nil.
func decodeErrorInto(resp *http.Response, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	e := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	var msg struct {
		Error string `json:"error"`
		Code  string `json:"errorCode"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Error != "" {
		e.Message = msg.Error
		e.Code = msg.Code
	}

	if v != nil {
		_ = json.Unmarshal(body, v)
	}

	return e
}
