// Package ratest provides mock collaborators for tests.
package ratest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of ra.RequestQueue.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) SubmitRequest(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	args := m.Called(ctx, r)
	return request(args, 0), args.Error(1)
}

func (m *MockQueue) FindRequest(ctx context.Context, id ra.RequestID) (*ra.Request, error) {
	args := m.Called(ctx, id)
	return request(args, 0), args.Error(1)
}

func (m *MockQueue) UpdateRequest(ctx context.Context, r *ra.Request) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockQueue) ApproveRequest(ctx context.Context, r *ra.Request, agentID string, o ra.Overrides) (*ra.Request, error) {
	args := m.Called(ctx, r, agentID, o)
	return request(args, 0), args.Error(1)
}

func (m *MockQueue) RejectRequest(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	args := m.Called(ctx, r)
	return request(args, 0), args.Error(1)
}

func (m *MockQueue) CancelRequest(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	args := m.Called(ctx, r)
	return request(args, 0), args.Error(1)
}

func (m *MockQueue) CloneAndMarkPending(ctx context.Context, r *ra.Request) (*ra.Request, error) {
	args := m.Called(ctx, r)
	return request(args, 0), args.Error(1)
}

func (m *MockQueue) ListRequests(ctx context.Context, f ra.ListFilter) ([]*ra.Request, int64, error) {
	args := m.Called(ctx, f)

	var out []*ra.Request
	if v := args.Get(0); v != nil {
		out = v.([]*ra.Request)
	}

	return out, args.Get(1).(int64), args.Error(2)
}

func request(args mock.Arguments, i int) *ra.Request {
	if v := args.Get(i); v != nil {
		return v.(*ra.Request)
	}

	return nil
}

// Authorizer grants operations to the users and groups listed per
// operation. Unlisted callers are denied.
type Authorizer struct {
	Users  map[string][]string
	Groups map[string][]string
	Err    error
}

// AllowAll returns an authorizer granting every operation to user.
func AllowAll(user string) *Authorizer {
	return &Authorizer{Users: map[string][]string{user: {
		ra.OperationRead, ra.OperationExecute, ra.OperationAssign, ra.OperationUnassign,
	}}}
}

func (a *Authorizer) Authorize(ctx context.Context, token *ra.AuthToken, resource, operation string) (*ra.AuthzToken, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	if token == nil {
		return nil, nil
	}

	granted := slices.Contains(a.Users[token.UserID], operation)
	for _, g := range token.Groups {
		granted = granted || slices.Contains(a.Groups[g], operation)
	}
	if !granted {
		return nil, nil
	}

	return &ra.AuthzToken{
		UserID:    token.UserID,
		Resource:  resource,
		Operation: operation,
		GrantedAt: time.Now(),
	}, nil
}

// ErrAuditFull is returned by an AuditRecorder with Fail set.
var ErrAuditFull = errors.New("audit log full")

// AuditRecorder is an in-memory ra.AuditSink.
type AuditRecorder struct {
	mu      sync.Mutex
	records []ra.AuditRecord
	Fail    bool
}

func (a *AuditRecorder) Append(ctx context.Context, rec ra.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Fail {
		return ErrAuditFull
	}

	a.records = append(a.records, rec)
	return nil
}

// Records returns a copy of the appended records.
func (a *AuditRecorder) Records() []ra.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.records)
}
