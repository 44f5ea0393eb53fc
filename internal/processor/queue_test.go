package processor

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/db"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/ratest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStoredFixture returns a processor backed by an in-memory database
// requiring two approvals, and a stored pending request for CN=orig.
func newStoredFixture(t *testing.T) (*Processor, *db.Queue, *ratest.AuditRecorder, *ra.Request) {
	t.Helper()

	database, err := db.NewDB(db.TypeSQLite, ":memory:", nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	queue := db.NewQueue(database, db.QueueConfig{RequiredApprovals: 2})

	subject, err := ra.EncodeDN("CN=orig")
	require.NoError(t, err)

	r, err := queue.SubmitRequest(context.Background(), &ra.Request{
		Type: ra.TypeEnrollment,
		CertInfos: []ra.CertInfo{{
			SignatureAlgorithm: x509.ECDSAWithSHA256.String(),
			RawSubject:         subject,
			NotBefore:          time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
			NotAfter:           time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
		}},
	})
	require.NoError(t, err)

	audit := &ratest.AuditRecorder{}
	authz := &ratest.Authorizer{Users: map[string][]string{
		"agent1": {ra.OperationRead, ra.OperationExecute},
		"agent2": {ra.OperationRead, ra.OperationExecute},
	}}

	proc := New(ra.Subsystems{Queue: queue, Authorizer: authz, Audit: audit}, Config{})

	return proc, queue, audit, r
}

func storedCommonName(t *testing.T, q *db.Queue, id ra.RequestID) string {
	t.Helper()

	stored, err := q.FindRequest(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, stored.CertInfos, 1)

	name, err := stored.CertInfos[0].Subject()
	require.NoError(t, err)

	return name.CommonName
}

func TestProcessRefusedAcceptKeepsCertInfos(t *testing.T) {
	proc, queue, audit, r := newStoredFixture(t)
	ctx := context.Background()
	seq := r.ID.String()

	res, err := proc.Process(ctx, ActionRequest{
		Token:  &ra.AuthToken{UserID: "agent1"},
		SeqNum: seq,
		Action: "accept",
	})
	require.NoError(t, err)
	assert.Equal(t, ra.StatusPending, res.Request.Status)
	assert.Equal(t, detailAwaitApproval, res.Detail)

	_, err = proc.Process(ctx, ActionRequest{
		Token:     &ra.AuthToken{UserID: "agent1"},
		SeqNum:    seq,
		Action:    "accept",
		Overrides: ra.Overrides{Subject: "CN=hijacked"},
	})
	require.ErrorIs(t, err, ra.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "already approved by agent1")

	recs := audit.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, ra.OutcomeFailure, recs[1].Outcome)
	assert.Equal(t, ra.ReasonInvalidTransition, recs[1].Reason)

	assert.Equal(t, "orig", storedCommonName(t, queue, r.ID))

	stored, err := queue.FindRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent1"}, stored.Approvals)
}

func TestProcessAcceptStoresOverridesWithApproval(t *testing.T) {
	proc, queue, _, r := newStoredFixture(t)
	ctx := context.Background()
	seq := r.ID.String()

	_, err := proc.Process(ctx, ActionRequest{Token: &ra.AuthToken{UserID: "agent1"}, SeqNum: seq, Action: "accept"})
	require.NoError(t, err)

	res, err := proc.Process(ctx, ActionRequest{
		Token:     &ra.AuthToken{UserID: "agent2"},
		SeqNum:    seq,
		Action:    "accept",
		Overrides: ra.Overrides{Subject: "CN=amended"},
	})
	require.NoError(t, err)
	assert.Equal(t, ra.StatusApproved, res.Request.Status)
	assert.Equal(t, "amended", storedCommonName(t, queue, r.ID))

	// A terminal request refuses further edits.
	_, err = proc.Process(ctx, ActionRequest{Token: &ra.AuthToken{UserID: "agent1"}, SeqNum: seq, Action: "reject"})
	require.NoError(t, err)

	_, err = proc.Process(ctx, ActionRequest{
		Token:     &ra.AuthToken{UserID: "agent1"},
		SeqNum:    seq,
		Action:    "accept",
		Overrides: ra.Overrides{Subject: "CN=late"},
	})
	require.ErrorIs(t, err, ra.ErrInvalidTransition)
	assert.Equal(t, "amended", storedCommonName(t, queue, r.ID))
}
