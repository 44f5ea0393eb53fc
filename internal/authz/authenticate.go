package authz

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"net/http"
	"slices"
	"strings"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// Credential maps a bearer token to an identity.
type Credential struct {
	Token  string   `json:"token"`
	User   string   `json:"user"`
	Groups []string `json:"groups,omitempty"`
}

// Authenticator identifies callers by bearer token or, when enabled, by
// the verified TLS client certificate.
type Authenticator struct {
	credentials []credential
	clientCerts bool
}

type credential struct {
	digest [sha256.Size]byte
	token  ra.AuthToken
}

// NewAuthenticator returns an authenticator for creds. With clientCerts set,
// a verified client certificate authenticates its subject common name, with
// the organizational units as groups.
func NewAuthenticator(creds []Credential, clientCerts bool) (*Authenticator, error) {
	a := &Authenticator{clientCerts: clientCerts}

	for i, c := range creds {
		if c.Token == "" || c.User == "" {
			return nil, fmt.Errorf("credential %d: token and user are required", i)
		}

		a.credentials = append(a.credentials, credential{
			digest: sha256.Sum256([]byte(c.Token)),
			token:  ra.AuthToken{UserID: c.User, Groups: slices.Clone(c.Groups)},
		})
	}

	return a, nil
}

// Authenticate returns the identity of the caller of r. It fails with
// ra.ErrUnauthenticated when no credential is presented or the credential
// is unknown.
func (a *Authenticator) Authenticate(r *http.Request) (*ra.AuthToken, error) {
	if h := r.Header.Get(authorizationHeader); h != "" {
		token, ok := strings.CutPrefix(h, bearerPrefix)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported authorization scheme", ra.ErrUnauthenticated)
		}

		return a.lookup(strings.TrimSpace(token))
	}

	if a.clientCerts && r.TLS != nil && len(r.TLS.VerifiedChains) > 0 {
		return tokenFromCertificate(r.TLS.VerifiedChains[0][0])
	}

	return nil, ra.ErrUnauthenticated
}

func (a *Authenticator) lookup(token string) (*ra.AuthToken, error) {
	digest := sha256.Sum256([]byte(token))

	var found *ra.AuthToken
	for i := range a.credentials {
		if subtle.ConstantTimeCompare(digest[:], a.credentials[i].digest[:]) == 1 {
			t := a.credentials[i].token
			t.Groups = slices.Clone(t.Groups)
			found = &t
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: unknown bearer token", ra.ErrUnauthenticated)
	}

	return found, nil
}

// tokenFromCertificate derives an identity from a client certificate.
func tokenFromCertificate(cert *x509.Certificate) (*ra.AuthToken, error) {
	if cert.Subject.CommonName == "" {
		return nil, fmt.Errorf("%w: client certificate has no common name", ra.ErrUnauthenticated)
	}

	return &ra.AuthToken{
		UserID: cert.Subject.CommonName,
		Groups: slices.Clone(cert.Subject.OrganizationalUnit),
	}, nil
}

// WithToken returns a copy of ctx carrying token.
func WithToken(ctx context.Context, token *ra.AuthToken) context.Context {
	return context.WithValue(ctx, common.AuthTokenKey, token)
}

// TokenFromContext returns the caller identity stored in ctx, or nil.
func TokenFromContext(ctx context.Context) *ra.AuthToken {
	token, _ := ctx.Value(common.AuthTokenKey).(*ra.AuthToken)
	return token
}
