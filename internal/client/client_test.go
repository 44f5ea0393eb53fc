package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return NewClient(u, nil, "secret", nil)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", mimeTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCheckRequest(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, checkRequestPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "7", r.FormValue("requestId"))
		assert.Equal(t, "cmc", r.FormValue("format"))
		assert.Equal(t, "Zm9v", r.FormValue("queryPending"))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"requestId":    "7",
			"status":       "complete",
			"serialNumber": "1f",
		})
	}))

	resp, err := c.CheckRequest(context.Background(), StatusQuery{RequestID: "7", CMC: true, QueryPending: "Zm9v"})
	require.NoError(t, err)
	assert.Equal(t, "complete", resp.Status)
	assert.Equal(t, "1f", resp.SerialNumber)
}

func TestErrorResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":     "request not found",
			"errorCode": "CMS_GW_REQUEST_NOT_FOUND",
		})
	}))

	_, err := c.CheckRequest(context.Background(), StatusQuery{RequestID: "9"})

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusNotFound, e.StatusCode)
	assert.Equal(t, "CMS_GW_REQUEST_NOT_FOUND", e.Code)
	assert.Equal(t, "request not found", e.Message)
}

func TestSubmit(t *testing.T) {
	csr := []byte{0x30, 0x03, 0x02, 0x01, 0x01}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, requestsPath, r.URL.Path)
		assert.Equal(t, mimeTypeJSON, r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, base64.StdEncoding.EncodeToString(csr), body["csr"])
		assert.Equal(t, "renewal", body["requestType"])
		assert.Equal(t, "tls-server", body["profileId"])

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"requestId":   "12",
			"requestType": "renewal",
			"status":      "pending",
		})
	}))

	resp, err := c.Submit(context.Background(), Submission{
		CSR:       csr,
		Type:      ra.TypeRenewal,
		ProfileID: "tls-server",
	})
	require.NoError(t, err)
	assert.Equal(t, "12", resp.RequestID)
	assert.Equal(t, "pending", resp.Status)
}

func TestProcess(t *testing.T) {
	notBefore := time.Unix(1700000000, 0)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "3", r.Form.Get("seqNum"))
		assert.Equal(t, "1700000000", r.Form.Get("notValidBefore"))
		assert.Empty(t, r.Form.Get("notValidAfter"))

		switch r.Form.Get("toDo") {
		case "accept":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":        "SUCCESS",
				"requestId":     "3",
				"requestStatus": "complete",
				"serialNumbers": []string{"2a"},
			})
		case "reject":
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"status": "UNAUTHORIZED"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid action", "errorCode": "CMS_GW_INVALID_INPUT"})
		}
	}))

	ctx := context.Background()

	resp, err := c.Process(ctx, Action{SeqNum: "3", ToDo: "accept", NotValidBefore: notBefore})
	require.NoError(t, err)
	assert.Equal(t, "complete", resp.RequestStatus)
	assert.Equal(t, []string{"2a"}, resp.SerialNumbers)

	resp, err = c.Process(ctx, Action{SeqNum: "3", ToDo: "reject", NotValidBefore: notBefore})
	require.NoError(t, err)
	assert.Equal(t, "UNAUTHORIZED", resp.Status)

	_, err = c.Process(ctx, Action{SeqNum: "3", ToDo: "bogus", NotValidBefore: notBefore})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "CMS_GW_INVALID_INPUT", e.Code)
}

func TestListAndAudit(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		switch r.URL.Path {
		case requestsPath:
			assert.Equal(t, "pending", q.Get("status"))
			assert.Equal(t, "5", q.Get("limit"))
			assert.Empty(t, q.Get("offset"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"total":    1,
				"requests": []map[string]interface{}{{"requestId": "1", "status": "pending"}},
			})
		case auditEventsPath:
			assert.Equal(t, "1", q.Get("requestId"))
			assert.Equal(t, "2026-01-02T03:04:05Z", q.Get("since"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"records": []ra.AuditRecord{{ID: "a", RequestID: 1, Action: ra.ActionAccept, Outcome: ra.OutcomeSuccess}},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()

	list, err := c.List(ctx, ListQuery{Status: ra.StatusPending, Limit: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 1, list.Total)
	require.Len(t, list.Requests, 1)
	assert.Equal(t, "1", list.Requests[0].RequestID)

	records, err := c.AuditEvents(ctx, AuditQuery{RequestID: "1", Since: since})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ra.ActionAccept, records[0].Action)
}

func TestWatchAudit(t *testing.T) {
	upgrader := websocket.Upgrader{}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, id := range []string{"a", "b"} {
			if err := conn.WriteJSON(ra.AuditRecord{ID: id, RequestID: 4}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))

	errDone := errors.New("done")
	var got []string

	err := c.WatchAudit(context.Background(), func(rec ra.AuditRecord) error {
		got = append(got, rec.ID)
		if len(got) == 2 {
			return errDone
		}
		return nil
	})
	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, []string{"a", "b"}, got)

	c.Token = "wrong"
	err = c.WatchAudit(context.Background(), func(ra.AuditRecord) error { return nil })

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusUnauthorized, e.StatusCode)
	assert.Equal(t, "authentication required", e.Message)
}

func TestWatchAuditCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.WatchAudit(ctx, func(ra.AuditRecord) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
