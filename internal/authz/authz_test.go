package authz

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http/httptest"
	"testing"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACLAuthorize(t *testing.T) {
	acl, err := NewACL([]Entry{
		{Resource: ra.ResourceEnrollment, Operations: []string{ra.OperationExecute}, Groups: []string{"agents"}},
		{Resource: ra.ResourceStatus, Operations: []string{ra.OperationRead}, Users: []string{"device01"}},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	agent := &ra.AuthToken{UserID: "agent1", Groups: []string{"agents"}}
	device := &ra.AuthToken{UserID: "device01"}

	var tcs = []struct {
		name      string
		token     *ra.AuthToken
		resource  string
		operation string
		granted   bool
	}{
		{name: "GroupGrant", token: agent, resource: ra.ResourceEnrollment, operation: ra.OperationExecute, granted: true},
		{name: "UserGrant", token: device, resource: ra.ResourceStatus, operation: ra.OperationRead, granted: true},
		{name: "OtherOperation", token: agent, resource: ra.ResourceEnrollment, operation: ra.OperationAssign},
		{name: "OtherResource", token: agent, resource: ra.ResourceStatus, operation: ra.OperationRead},
		{name: "UnknownResource", token: agent, resource: "certServer.unknown", operation: ra.OperationRead},
		{name: "Anonymous", token: nil, resource: ra.ResourceStatus, operation: ra.OperationRead},
		{name: "EmptyUser", token: &ra.AuthToken{Groups: []string{"agents"}}, resource: ra.ResourceEnrollment, operation: ra.OperationExecute},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := acl.Authorize(ctx, tc.token, tc.resource, tc.operation)
			require.NoError(t, err)

			if !tc.granted {
				assert.Nil(t, got)
				return
			}

			require.NotNil(t, got)
			assert.Equal(t, tc.token.UserID, got.UserID)
			assert.Equal(t, tc.resource, got.Resource)
			assert.Equal(t, tc.operation, got.Operation)
			assert.False(t, got.GrantedAt.IsZero())
		})
	}
}

func TestACLErrors(t *testing.T) {
	_, err := NewACL([]Entry{{Operations: []string{"read"}, Users: []string{"u"}}}, nil)
	assert.Error(t, err)

	_, err = NewACL([]Entry{{Resource: ra.ResourceStatus, Users: []string{"u"}}}, nil)
	assert.Error(t, err)

	_, err = NewACL([]Entry{{Resource: ra.ResourceStatus, Operations: []string{"read"}}}, nil)
	assert.Error(t, err)

	acl, err := NewACL(nil, nil)
	require.NoError(t, err)

	_, err = acl.Authorize(context.Background(), &ra.AuthToken{UserID: "u"}, ra.ResourceStatus, "")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = acl.Authorize(ctx, &ra.AuthToken{UserID: "u"}, ra.ResourceStatus, ra.OperationRead)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultEntries(t *testing.T) {
	acl, err := NewACL(DefaultEntries("raAgents", []string{"devices"}), nil)
	require.NoError(t, err)

	ctx := context.Background()
	agent := &ra.AuthToken{UserID: "agent1", Groups: []string{"raAgents"}}
	device := &ra.AuthToken{UserID: "device01", Groups: []string{"devices"}}

	for _, op := range []string{ra.OperationExecute, ra.OperationAssign, ra.OperationUnassign} {
		got, err := acl.Authorize(ctx, agent, ra.ResourceEnrollment, op)
		require.NoError(t, err)
		assert.NotNil(t, got, op)
	}

	got, err := acl.Authorize(ctx, device, ra.ResourceEnrollment, ra.OperationSubmit)
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = acl.Authorize(ctx, device, ra.ResourceEnrollment, ra.OperationExecute)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = acl.Authorize(ctx, device, ra.ResourceAudit, ra.OperationRead)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAuthenticateBearer(t *testing.T) {
	a, err := NewAuthenticator([]Credential{
		{Token: "s3cr3t", User: "agent1", Groups: []string{"raAgents"}},
	}, false)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ca/checkRequest", nil)
	r.Header.Set("Authorization", "Bearer s3cr3t")

	token, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "agent1", token.UserID)
	assert.True(t, token.InGroup("raAgents"))

	token.Groups[0] = "changed"
	again, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"raAgents"}, again.Groups)

	r.Header.Set("Authorization", "Bearer wrong")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ra.ErrUnauthenticated)

	r.Header.Set("Authorization", "Basic YWdlbnQxOnBhc3M=")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ra.ErrUnauthenticated)

	r.Header.Del("Authorization")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ra.ErrUnauthenticated)

	_, err = NewAuthenticator([]Credential{{Token: "x"}}, false)
	assert.Error(t, err)
}

func TestAuthenticateClientCertificate(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{
		CommonName:         "agent2",
		OrganizationalUnit: []string{"raAgents", "operators"},
	}}

	r := httptest.NewRequest("GET", "/ca/checkRequest", nil)
	r.TLS = &tls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{cert}}}

	disabled, err := NewAuthenticator(nil, false)
	require.NoError(t, err)
	_, err = disabled.Authenticate(r)
	assert.ErrorIs(t, err, ra.ErrUnauthenticated)

	enabled, err := NewAuthenticator(nil, true)
	require.NoError(t, err)
	token, err := enabled.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "agent2", token.UserID)
	assert.Equal(t, []string{"raAgents", "operators"}, token.Groups)

	cert.Subject.CommonName = ""
	_, err = enabled.Authenticate(r)
	assert.ErrorIs(t, err, ra.ErrUnauthenticated)
}

func TestTokenContext(t *testing.T) {
	assert.Nil(t, TokenFromContext(context.Background()))

	token := &ra.AuthToken{UserID: "agent1"}
	assert.Same(t, token, TokenFromContext(WithToken(context.Background(), token)))
}
