package realca

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/globalsign/pemfile"
)

// Global constants.
const (
	defaultCertificateDuration = time.Hour * 24 * 90
	serialNumberBits           = 128
)

const (
	certificatePEMType     = "CERTIFICATE"
	pkcs8PrivateKeyPEMType = "PRIVATE KEY"
	pkcs1PrivateKeyPEMType = "RSA PRIVATE KEY"
	ecPrivateKeyPEMType    = "EC PRIVATE KEY"
)

// RealCA issues certificates with a single key pair and serves as the
// signing context of CMC responses. It is safe for concurrent use: the key
// material is never modified after construction.
type RealCA struct {
	certs      []*x509.Certificate
	key        crypto.Signer
	signer     *x509.Certificate
	signerKey  crypto.Signer
	validity   time.Duration
	allowCA    bool
	closeFuncs []func() error
}

// Option configures a RealCA.
type Option func(*RealCA) error

// WithSigningIdentity signs CMC responses with cert and key instead of the
// issuing CA certificate.
func WithSigningIdentity(cert *x509.Certificate, key crypto.Signer) Option {
	return func(ca *RealCA) error {
		if err := checkKeyPair(cert, key); err != nil {
			return fmt.Errorf("signing identity: %w", err)
		}

		ca.signer = cert
		ca.signerKey = key
		return nil
	}
}

// WithValidity sets the validity used when certificate information carries
// no validity window.
func WithValidity(d time.Duration) Option {
	return func(ca *RealCA) error {
		if d <= 0 {
			return fmt.Errorf("invalid certificate validity %s", d)
		}

		ca.validity = d
		return nil
	}
}

// WithCAIssuance allows issuing certificates with the cA flag set.
func WithCAIssuance(allow bool) Option {
	return func(ca *RealCA) error {
		ca.allowCA = allow
		return nil
	}
}

// withCloser registers a function run by Close.
func withCloser(f func() error) Option {
	return func(ca *RealCA) error {
		ca.closeFuncs = append(ca.closeFuncs, f)
		return nil
	}
}

// New creates a new certificate authority. If more than one CA certificate
// is provided, they should be in order with the issuing (intermediate) CA
// certificate first, and the root CA certificate last. The private key should
// be associated with the public key in the first, issuing CA certificate.
func New(cacerts []*x509.Certificate, key crypto.Signer, opts ...Option) (*RealCA, error) {
	if len(cacerts) < 1 {
		return nil, errors.New("no CA certificates provided")
	} else if key == nil {
		return nil, errors.New("no private key provided")
	}

	for i := range cacerts {
		if !cacerts[i].IsCA {
			return nil, fmt.Errorf("certificate at index %d is not a CA certificate", i)
		}
	}

	if err := checkKeyPair(cacerts[0], key); err != nil {
		return nil, err
	}

	ca := &RealCA{
		certs:     cacerts,
		key:       key,
		signer:    cacerts[0],
		signerKey: key,
		validity:  defaultCertificateDuration,
	}

	for _, opt := range opts {
		if err := opt(ca); err != nil {
			return nil, err
		}
	}

	return ca, nil
}

// Load reads CA certificates and the issuing key from PEM files.
func Load(certFile, keyFile string, opts ...Option) (*RealCA, error) {
	certs, err := LoadCertificates(certFile)
	if err != nil {
		return nil, err
	}

	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, err
	}

	return New(certs, key, opts...)
}

// LoadCertificates reads all certificates from a PEM file.
func LoadCertificates(certFile string) ([]*x509.Certificate, error) {
	blocks, err := pemfile.ReadBlocks(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	var certs []*x509.Certificate
	for _, block := range blocks {
		if err := pemfile.IsType(block, certificatePEMType); err != nil {
			return nil, err
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}

	return certs, nil
}

// LoadPrivateKey reads a PKCS#8, PKCS#1 or SEC 1 private key from a PEM file.
func LoadPrivateKey(keyFile string) (crypto.Signer, error) {
	blocks, err := pemfile.ReadBlocks(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	} else if len(blocks) != 1 {
		return nil, fmt.Errorf("expected exactly one private key in %s, found %d", keyFile, len(blocks))
	}

	block := blocks[0]
	err = pemfile.IsType(block, pkcs8PrivateKeyPEMType, pkcs1PrivateKeyPEMType, ecPrivateKeyPEMType)
	if err != nil {
		return nil, err
	}

	var key interface{}
	switch block.Type {
	case pkcs8PrivateKeyPEMType:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)

	case pkcs1PrivateKeyPEMType:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)

	case ecPrivateKeyPEMType:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}

	return signer, nil
}

// Issue issues a certificate for info, signed by the issuing CA
// certificate. Zero validity bounds default to now and the configured
// validity; the certificate never outlives the CA certificate.
func (ca *RealCA) Issue(ctx context.Context, info ra.CertInfo) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if info.IsCA && !ca.allowCA {
		return nil, fmt.Errorf("%w: CA certificates are not issued", ra.ErrProfileRejected)
	}

	pub, err := x509.ParsePKIXPublicKey(info.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %w", ra.ErrInvalidCertInfo, err)
	}

	alg := x509.UnknownSignatureAlgorithm
	if info.SignatureAlgorithm != "" {
		if alg, err = ra.ParseSignatureAlgorithm(info.SignatureAlgorithm); err != nil {
			return nil, err
		}
		if !algorithmMatchesKey(alg, ca.key.Public()) {
			return nil, fmt.Errorf("%w: %s cannot be used with the CA key", ra.ErrUnsupportedAlgorithm, alg)
		}
	}

	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialNumberBits))
	if err != nil {
		return nil, fmt.Errorf("failed to make serial number: %w", err)
	}

	ski, err := makePublicKeyIdentifier(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to make public key identifier: %w", err)
	}

	notBefore, notAfter := info.NotBefore, info.NotAfter
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	if notAfter.IsZero() {
		notAfter = notBefore.Add(ca.validity)
	}
	if ca.certs[0].NotAfter.Before(notAfter) {
		// Don't issue any certificates which expire after the CA certificate.
		notAfter = ca.certs[0].NotAfter
	}
	if !notAfter.After(notBefore) {
		return nil, fmt.Errorf("%w: empty validity window", ra.ErrInvalidCertInfo)
	}

	var tmpl = &x509.Certificate{
		SerialNumber:          sn,
		SignatureAlgorithm:    alg,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		RawSubject:            info.RawSubject,
		SubjectKeyId:          ski,
		BasicConstraintsValid: true,
		IsCA:                  info.IsCA,
		ExtraExtensions:       info.Extensions,
	}

	if info.IsCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		tmpl.MaxPathLen = info.MaxPathLen
		tmpl.MaxPathLenZero = info.MaxPathLen == 0
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	// Create and return certificate.
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.certs[0], pub, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// SigningCert returns the certificate signing CMC responses.
func (ca *RealCA) SigningCert() *x509.Certificate {
	return ca.signer
}

// PrivateKey returns the key for cert, which must be the signing
// certificate or the issuing CA certificate.
func (ca *RealCA) PrivateKey(cert *x509.Certificate) (crypto.Signer, error) {
	switch {
	case cert == nil:
		return nil, errors.New("no certificate provided")
	case cert.Equal(ca.signer):
		return ca.signerKey, nil
	case cert.Equal(ca.certs[0]):
		return ca.key, nil
	}

	return nil, fmt.Errorf("no private key for certificate %s", cert.Subject)
}

// CAChain returns the CA certificates, issuing certificate first.
func (ca *RealCA) CAChain() []*x509.Certificate {
	return ca.certs
}

// Close releases any hardware security module sessions.
func (ca *RealCA) Close() error {
	var errs []error
	for _, f := range ca.closeFuncs {
		errs = append(errs, f())
	}

	return errors.Join(errs...)
}

// checkKeyPair verifies that key belongs to the public key of cert.
func checkKeyPair(cert *x509.Certificate, key crypto.Signer) error {
	if cert == nil || key == nil {
		return errors.New("certificate and key are required")
	}

	want, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate public key: %w", err)
	}

	got, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return fmt.Errorf("failed to marshal private key public part: %w", err)
	}

	if !bytes.Equal(want, got) {
		return fmt.Errorf("private key does not match certificate %s", cert.Subject)
	}

	return nil
}

// algorithmMatchesKey reports whether alg can be produced with a key whose
// public part is pub.
func algorithmMatchesKey(alg x509.SignatureAlgorithm, pub crypto.PublicKey) bool {
	name := alg.String()

	switch pub.(type) {
	case *rsa.PublicKey:
		return strings.HasSuffix(name, "-RSA") || strings.HasSuffix(name, "-RSAPSS")
	case *ecdsa.PublicKey:
		return strings.HasPrefix(name, "ECDSA-")
	}

	return alg == x509.PureEd25519
}

// makePublicKeyIdentifier builds a public key identifier in accordance with the
// first method described in RFC5280 section 4.2.1.2.
func makePublicKeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}

	id := sha1.Sum(keyBytes)

	return id[:], nil
}
