// Package testpki generates throw-away certificate authorities for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Authority is a two level CA: a root and an issuing intermediate.
type Authority struct {
	Root            *x509.Certificate
	RootKey         crypto.Signer
	Intermediate    *x509.Certificate
	IntermediateKey crypto.Signer
}

// KeyType selects the key algorithm of generated keys.
type KeyType int

const (
	ECDSA KeyType = iota
	RSA
)

// NewKey generates a private key of the given type.
func NewKey(t testing.TB, kt KeyType) crypto.Signer {
	t.Helper()

	var (
		key crypto.Signer
		err error
	)
	switch kt {
	case RSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	require.NoError(t, err)

	return key
}

// New creates an authority whose keys are of the given type.
func New(t testing.TB, kt KeyType) *Authority {
	t.Helper()

	a := &Authority{
		RootKey:         NewKey(t, kt),
		IntermediateKey: NewKey(t, kt),
	}

	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	a.Root = create(t, rootTmpl, rootTmpl, a.RootKey.Public(), a.RootKey)

	intTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Issuing CA", Organization: []string{"Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	a.Intermediate = create(t, intTmpl, a.Root, a.IntermediateKey.Public(), a.RootKey)

	return a
}

// Chain returns the CA certificates, issuing certificate first.
func (a *Authority) Chain() []*x509.Certificate {
	return []*x509.Certificate{a.Intermediate, a.Root}
}

// Leaf issues an end-entity certificate with the given serial number.
func (a *Authority) Leaf(t testing.TB, serial int64, cn string) *x509.Certificate {
	t.Helper()

	key := NewKey(t, ECDSA)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	return create(t, tmpl, a.Intermediate, key.Public(), a.IntermediateKey)
}

// SelfSigned creates a self-signed end-entity certificate for key.
func SelfSigned(t testing.TB, key crypto.Signer, cn string) *x509.Certificate {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	return create(t, tmpl, tmpl, key.Public(), key)
}

// WritePEM writes certs and key as PEM files below dir and returns their
// paths.
func WritePEM(t testing.TB, dir string, certs []*x509.Certificate, key crypto.Signer) (certFile, keyFile string) {
	t.Helper()

	certFile = filepath.Join(dir, "certs.pem")
	keyFile = filepath.Join(dir, "key.pem")

	var certPEM []byte
	for _, cert := range certs {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return certFile, keyFile
}

func create(t testing.TB, tmpl, parent *x509.Certificate, pub crypto.PublicKey, key crypto.Signer) *x509.Certificate {
	t.Helper()

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert
}
