package processor

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/ratest"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	queue *ratest.MockQueue
	audit *ratest.AuditRecorder
	proc  *Processor
	token *ra.AuthToken
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	queue := &ratest.MockQueue{}
	t.Cleanup(func() { queue.AssertExpectations(t) })

	audit := &ratest.AuditRecorder{}
	sub := ra.Subsystems{
		Queue:      queue,
		Authorizer: ratest.AllowAll("agent1"),
		Audit:      audit,
	}

	return &fixture{
		queue: queue,
		audit: audit,
		proc:  New(sub, Config{}),
		token: &ra.AuthToken{UserID: "agent1"},
	}
}

func pendingRequest(t *testing.T, id ra.RequestID) *ra.Request {
	t.Helper()

	subject, err := ra.EncodeDN("CN=device01,O=Example")
	require.NoError(t, err)

	return &ra.Request{
		ID:        id,
		Type:      ra.TypeEnrollment,
		Status:    ra.StatusPending,
		CertInfos: []ra.CertInfo{{RawSubject: subject}},
		ExtData:   map[string]string{},
	}
}

func withStatus(r *ra.Request, status ra.Status) *ra.Request {
	c := r.Clone()
	c.Status = status
	return c
}

func TestProcessAcceptIssues(t *testing.T) {
	f := newFixture(t)
	auth := testpki.New(t, testpki.ECDSA)

	r := pendingRequest(t, 12345)
	done := withStatus(r, ra.StatusComplete)
	done.Result = ra.ResultSuccess
	done.IssuedCerts = append(done.IssuedCerts, auth.Leaf(t, 0x1f, "device01"))

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(12345)).Return(r, nil).Once()
	f.queue.On("ApproveRequest", mock.Anything, mock.Anything, "agent1", mock.Anything).Return(done, nil).Once()

	res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "12345", Action: "accept"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, ra.StatusComplete, res.Request.Status)
	assert.Equal(t, []string{"1f"}, res.SerialNumbers)
	assert.Equal(t, detailIssued, res.Detail)

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ra.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, ra.ActionAccept, recs[0].Action)
	assert.Equal(t, "agent1", recs[0].RequesterID)
	assert.Equal(t, ra.RequestID(12345), recs[0].RequestID)
	assert.Equal(t, ra.StatusComplete, recs[0].Status)
	assert.Equal(t, []string{"0x1f"}, recs[0].SerialNumbers)
	assert.Equal(t, ra.ReasonNotApplicable, recs[0].Reason)

	f.queue.AssertNotCalled(t, "UpdateRequest", mock.Anything, mock.Anything)
}

func TestProcessAcceptBranches(t *testing.T) {
	var tcs = []struct {
		status ra.Status
		detail string
	}{
		{status: ra.StatusPending, detail: detailAwaitApproval},
		{status: ra.StatusApproved, detail: detailServiceApproved},
		{status: ra.StatusSvcPending, detail: detailServiceApproved},
		{status: ra.StatusComplete, detail: detailCompleted},
	}

	for _, tc := range tcs {
		t.Run(string(tc.status), func(t *testing.T) {
			f := newFixture(t)
			r := pendingRequest(t, 1)

			f.queue.On("FindRequest", mock.Anything, ra.RequestID(1)).Return(r, nil).Once()
			f.queue.On("ApproveRequest", mock.Anything, mock.Anything, "agent1", mock.Anything).Return(withStatus(r, tc.status), nil).Once()

			res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "1", Action: "accept"})
			require.NoError(t, err)
			assert.Equal(t, tc.detail, res.Detail)
			assert.Empty(t, res.SerialNumbers)

			recs := f.audit.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, tc.detail, recs[0].Detail)
			assert.Equal(t, tc.status, recs[0].Status)
		})
	}
}

func TestProcessAcceptPassesOverrides(t *testing.T) {
	f := newFixture(t)
	r := pendingRequest(t, 2)
	orig := r.Clone()

	o := ra.Overrides{Subject: "CN=device02,O=Example", NotBefore: 1700000000, NotAfter: 1710000000}

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(2)).Return(r, nil).Once()
	f.queue.On("ApproveRequest", mock.Anything, r, "agent1", o).Return(withStatus(r, ra.StatusPending), nil).Once()

	_, err := f.proc.Process(context.Background(), ActionRequest{
		Token:     f.token,
		SeqNum:    "2",
		Action:    "accept",
		Overrides: o,
	})
	require.NoError(t, err)

	// The request handed out by the queue is never modified.
	assert.Equal(t, orig, r)
	f.queue.AssertNotCalled(t, "UpdateRequest", mock.Anything, mock.Anything)
}

func TestProcessAcceptRequiresPending(t *testing.T) {
	f := newFixture(t)
	r := withStatus(pendingRequest(t, 3), ra.StatusCanceled)
	f.queue.On("FindRequest", mock.Anything, ra.RequestID(3)).Return(r, nil).Once()

	_, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "3", Action: "accept"})
	assert.ErrorIs(t, err, ra.ErrInvalidTransition)

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ra.OutcomeFailure, recs[0].Outcome)
	assert.Equal(t, ra.ReasonInvalidTransition, recs[0].Reason)
	f.queue.AssertNotCalled(t, "ApproveRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessUnauthorized(t *testing.T) {
	for _, action := range []string{"accept", "reject", "cancel", "clone", "assign", "unassign"} {
		t.Run(action, func(t *testing.T) {
			f := newFixture(t)

			res, err := f.proc.Process(context.Background(), ActionRequest{
				Token:  &ra.AuthToken{UserID: "mallory"},
				SeqNum: "12345",
				Action: action,
			})
			require.NoError(t, err)
			assert.Equal(t, StatusUnauthorized, res.Status)

			recs := f.audit.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, ra.OutcomeFailure, recs[0].Outcome)
			assert.Equal(t, ra.ReasonAuthFailure, recs[0].Reason)
			assert.Equal(t, "mallory", recs[0].RequesterID)
			assert.Equal(t, ra.Action(action), recs[0].Action)

			assert.Empty(t, f.queue.Calls)
		})
	}
}

func TestProcessInvalidInputIsNotAudited(t *testing.T) {
	var tcs = []struct {
		name   string
		seqNum string
		action string
		err    error
	}{
		{name: "NoID", seqNum: " ", action: "accept", err: ra.ErrNoRequestID},
		{name: "BadID", seqNum: "0xg", action: "accept", err: ra.ErrInvalidRequestID},
		{name: "NegativeID", seqNum: "-4", action: "reject", err: ra.ErrInvalidRequestID},
		{name: "BadAction", seqNum: "4", action: "approve", err: ra.ErrInvalidAction},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: tc.seqNum, Action: tc.action})
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tc.err)
			assert.Empty(t, f.audit.Records())
			assert.Empty(t, f.queue.Calls)
		})
	}
}

func TestProcessRejectTerminalIsRefused(t *testing.T) {
	f := newFixture(t)
	r := pendingRequest(t, 4)
	rejected := withStatus(r, ra.StatusRejected)

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(4)).Return(r, nil).Once()
	f.queue.On("RejectRequest", mock.Anything, r).Return(rejected, nil).Once()
	f.queue.On("FindRequest", mock.Anything, ra.RequestID(4)).Return(rejected, nil).Once()
	f.queue.On("RejectRequest", mock.Anything, rejected).Return(nil, ra.ErrInvalidTransition).Once()

	res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "4", Action: "reject"})
	require.NoError(t, err)
	assert.Equal(t, ra.StatusRejected, res.Request.Status)

	_, err = f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "4", Action: "reject"})
	assert.ErrorIs(t, err, ra.ErrInvalidTransition)
	assert.Equal(t, 409, err.(interface{ StatusCode() int }).StatusCode())

	recs := f.audit.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, ra.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, ra.StatusRejected, recs[0].Status)
	assert.Equal(t, ra.OutcomeFailure, recs[1].Outcome)
	assert.Equal(t, ra.ReasonInvalidTransition, recs[1].Reason)
}

func TestProcessCancel(t *testing.T) {
	f := newFixture(t)
	r := pendingRequest(t, 5)

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(5)).Return(r, nil).Once()
	f.queue.On("CancelRequest", mock.Anything, r).Return(withStatus(r, ra.StatusCanceled), nil).Once()

	res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "5", Action: "cancel"})
	require.NoError(t, err)
	assert.Equal(t, detailCanceled, res.Detail)

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ra.StatusCanceled, recs[0].Status)
}

func TestProcessNotFound(t *testing.T) {
	f := newFixture(t)
	f.queue.On("FindRequest", mock.Anything, ra.RequestID(6)).Return(nil, ra.ErrRequestNotFound).Once()

	_, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "6", Action: "cancel"})
	assert.ErrorIs(t, err, ra.ErrRequestNotFound)

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ra.ReasonNotFound, recs[0].Reason)
}

func TestProcessLowerLevelErrors(t *testing.T) {
	var tcs = []struct {
		name      string
		overrides ra.Overrides
		approve   error
		reason    ra.ReasonCode
		code      string
	}{
		{
			name:    "IO",
			approve: &fs.PathError{Op: "write", Path: "/var/lib/ra.db", Err: fs.ErrPermission},
			reason:  ra.ReasonIOException,
			code:    "CMS_GW_PROCESSING_ERROR",
		},
		{
			name:    "Base",
			approve: errors.New("boom"),
			reason:  ra.ReasonBaseException,
			code:    "CMS_GW_PROCESSING_ERROR",
		},
		{
			name:    "Deferred",
			approve: ra.ErrDeferred,
			reason:  ra.ReasonBaseException,
			code:    "CMS_REQUEST_DEFERRED",
		},
		{
			name:    "ProfileRejected",
			approve: ra.ErrProfileRejected,
			reason:  ra.ReasonBaseException,
			code:    "CMS_REQUEST_REJECTED",
		},
		{
			name:      "Algorithm",
			overrides: ra.Overrides{SignatureAlgorithm: "ROT13-RSA"},
			reason:    ra.ReasonAlgorithmNotFound,
			code:      "CMS_GW_PROCESSING_ERROR",
		},
		{
			name:      "Certificate",
			overrides: ra.Overrides{Subject: "garbage"},
			reason:    ra.ReasonCertificateException,
			code:      "CMS_GW_PROCESSING_ERROR",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r := pendingRequest(t, 7)

			f.queue.On("FindRequest", mock.Anything, ra.RequestID(7)).Return(r, nil).Once()
			if tc.approve != nil {
				f.queue.On("ApproveRequest", mock.Anything, mock.Anything, "agent1", mock.Anything).Return(nil, tc.approve).Once()
			}

			res, err := f.proc.Process(context.Background(), ActionRequest{
				Token:     f.token,
				SeqNum:    "7",
				Action:    "accept",
				Overrides: tc.overrides,
			})
			assert.Nil(t, res)
			require.Error(t, err)
			assert.Equal(t, tc.code, ra.ErrorCode(err))
			if tc.approve != nil {
				assert.ErrorIs(t, err, tc.approve)
			}

			recs := f.audit.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, ra.OutcomeFailure, recs[0].Outcome)
			assert.Equal(t, tc.reason, recs[0].Reason)
		})
	}
}

func TestProcessDeferredRetryAfter(t *testing.T) {
	f := newFixture(t)
	r := pendingRequest(t, 8)

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(8)).Return(r, nil).Once()
	f.queue.On("ApproveRequest", mock.Anything, mock.Anything, "agent1", mock.Anything).Return(nil, ra.ErrDeferred).Once()

	_, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "8", Action: "accept"})

	var e ra.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 202, e.StatusCode())
	assert.Equal(t, 600, e.RetryAfter())
}

func TestProcessClone(t *testing.T) {
	f := newFixture(t)
	r := withStatus(pendingRequest(t, 9), ra.StatusRejected)
	clone := pendingRequest(t, 10)
	clone.SourceID = 9

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(9)).Return(r, nil).Once()
	f.queue.On("CloneAndMarkPending", mock.Anything, r).Return(clone, nil).Once()

	res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "9", Action: "clone"})
	require.NoError(t, err)
	assert.Equal(t, ra.RequestID(10), res.Request.ID)
	assert.Equal(t, "request cloned as 10", res.Detail)

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ra.RequestID(9), recs[0].RequestID)
	assert.Equal(t, "request cloned as 10", recs[0].Detail)
}

func TestProcessAssign(t *testing.T) {
	f := newFixture(t)
	r := pendingRequest(t, 11)

	f.queue.On("FindRequest", mock.Anything, ra.RequestID(11)).Return(r, nil).Twice()
	f.queue.On("UpdateRequest", mock.Anything, mock.MatchedBy(func(u *ra.Request) bool {
		return u.Owner == "agent1"
	})).Return(nil).Once()
	f.queue.On("UpdateRequest", mock.Anything, mock.MatchedBy(func(u *ra.Request) bool {
		return u.Owner == ""
	})).Return(nil).Once()

	res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "11", Action: "assign"})
	require.NoError(t, err)
	assert.Equal(t, "agent1", res.Request.Owner)
	assert.Equal(t, "request assigned to agent1", res.Detail)

	res, err = f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "11", Action: "unassign"})
	require.NoError(t, err)
	assert.Empty(t, res.Request.Owner)

	assert.Empty(t, r.Owner)
	assert.Len(t, f.audit.Records(), 2)
}

func TestProcessAuditFailureFailsCall(t *testing.T) {
	f := newFixture(t)
	f.audit.Fail = true

	r := pendingRequest(t, 12)
	f.queue.On("FindRequest", mock.Anything, ra.RequestID(12)).Return(r, nil).Once()
	f.queue.On("CancelRequest", mock.Anything, r).Return(withStatus(r, ra.StatusCanceled), nil).Once()

	res, err := f.proc.Process(context.Background(), ActionRequest{Token: f.token, SeqNum: "12", Action: "cancel"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ra.ErrProcessing)
	assert.ErrorIs(t, err, ratest.ErrAuditFull)
}

func TestProcessAuthorizerError(t *testing.T) {
	queue := &ratest.MockQueue{}
	audit := &ratest.AuditRecorder{}
	proc := New(ra.Subsystems{
		Queue:      queue,
		Authorizer: &ratest.Authorizer{Err: errors.New("acl store down")},
		Audit:      audit,
	}, Config{})

	_, err := proc.Process(context.Background(), ActionRequest{Token: &ra.AuthToken{UserID: "agent1"}, SeqNum: "1", Action: "reject"})
	assert.ErrorIs(t, err, ra.ErrProcessing)

	recs := audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ra.ReasonBaseException, recs[0].Reason)
	assert.Empty(t, queue.Calls)
}
