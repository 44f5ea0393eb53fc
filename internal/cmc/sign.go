package cmc

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1" // for crypto.SHA1
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"go.mozilla.org/pkcs7"
)

// contentInfo is the outer CMS ContentInfo.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// signedData is a CMS SignedData carrying an arbitrary encapsulated content
// type.
type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   []attribute `asn1:"optional,omitempty,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

// ParseHash returns the digest algorithm with the given name, such as
// "SHA-1" or "SHA256". An empty name selects SHA-1.
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "") {
	case "", "SHA1":
		return crypto.SHA1, nil
	case "SHA256":
		return crypto.SHA256, nil
	case "SHA384":
		return crypto.SHA384, nil
	case "SHA512":
		return crypto.SHA512, nil
	}

	return 0, fmt.Errorf("%w: digest %q", ra.ErrUnsupportedAlgorithm, name)
}

// Signer produces CMS SignedData structures with the signing certificate
// and key of a signing context.
type Signer struct {
	cert      *x509.Certificate
	key       crypto.Signer
	hash      crypto.Hash
	digestOID asn1.ObjectIdentifier
	sigOID    asn1.ObjectIdentifier
}

// NewSigner returns a signer for the signing certificate of sc, digesting
// with hash. RSA and ECDSA keys are supported.
func NewSigner(sc ra.SigningContext, hash crypto.Hash) (*Signer, error) {
	cert := sc.SigningCert()
	if cert == nil {
		return nil, errors.New("no signing certificate")
	}

	key, err := sc.PrivateKey(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	return NewKeySigner(cert, key, hash)
}

// NewKeySigner returns a signer for cert and its private key. Only RSA and
// ECDSA keys are supported. DSA keys do not implement crypto.Signer and
// other key types fail with ra.ErrUnsupportedAlgorithm.
func NewKeySigner(cert *x509.Certificate, key crypto.Signer, hash crypto.Hash) (*Signer, error) {
	if !hash.Available() {
		return nil, fmt.Errorf("%w: digest %s is not available", ra.ErrUnsupportedAlgorithm, hash)
	}

	digestOID, err := digestOIDForHash(hash)
	if err != nil {
		return nil, err
	}

	sigOID, err := signatureOID(key.Public(), hash)
	if err != nil {
		return nil, err
	}

	return &Signer{
		cert:      cert,
		key:       key,
		hash:      hash,
		digestOID: digestOID,
		sigOID:    sigOID,
	}, nil
}

// Certificate returns the signing certificate.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Sign wraps content of the given type in a signed ContentInfo. The signing
// certificate and certs are carried in the certificate set.
func (s *Signer) Sign(contentType asn1.ObjectIdentifier, content []byte, certs []*x509.Certificate) ([]byte, error) {
	h := s.hash.New()
	h.Write(content)
	digest := h.Sum(nil)

	attrs, err := signedAttributes(contentType, digest)
	if err != nil {
		return nil, err
	}

	signature, err := s.signAttributes(attrs)
	if err != nil {
		return nil, err
	}

	eContent, err := asn1.Marshal(content)
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:          3,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{{Algorithm: s.digestOID}},
		EncapContentInfo: encapsulatedContentInfo{
			EContentType: contentType,
			EContent:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: eContent},
		},
		Certificates: certificateSet(append([]*x509.Certificate{s.cert}, certs...)),
		SignerInfos: []signerInfo{{
			Version: 1,
			IssuerAndSerialNumber: issuerAndSerial{
				IssuerName:   asn1.RawValue{FullBytes: s.cert.RawIssuer},
				SerialNumber: s.cert.SerialNumber,
			},
			DigestAlgorithm:           pkix.AlgorithmIdentifier{Algorithm: s.digestOID},
			AuthenticatedAttributes:   attrs,
			DigestEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: s.sigOID},
			EncryptedDigest:           signature,
		}},
	}

	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignedData: %w", err)
	}

	return asn1.Marshal(contentInfo{
		ContentType: pkcs7.OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// signAttributes signs the DER SET OF encoding of attrs.
func (s *Signer) signAttributes(attrs []attribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []attribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}

	// Strip the outer SEQUENCE.
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}

	h := s.hash.New()
	h.Write(raw.Bytes)

	sig, err := s.key.Sign(rand.Reader, h.Sum(nil), s.hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	return sig, nil
}

// signedAttributes returns the contentType and messageDigest attributes in
// DER SET OF order.
func signedAttributes(contentType asn1.ObjectIdentifier, digest []byte) ([]attribute, error) {
	ct, err := asn1.Marshal(contentType)
	if err != nil {
		return nil, err
	}

	md, err := asn1.Marshal(digest)
	if err != nil {
		return nil, err
	}

	attrs := []attribute{
		{Type: pkcs7.OIDAttributeContentType, Value: asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: ct}},
		{Type: pkcs7.OIDAttributeMessageDigest, Value: asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: md}},
	}

	encoded := make(map[int][]byte, len(attrs))
	for i, attr := range attrs {
		if encoded[i], err = asn1.Marshal(attr); err != nil {
			return nil, err
		}
	}

	order := []int{0, 1}
	slices.SortFunc(order, func(a, b int) int {
		return bytes.Compare(encoded[a], encoded[b])
	})

	sorted := make([]attribute, 0, len(attrs))
	for _, i := range order {
		sorted = append(sorted, attrs[i])
	}

	return sorted, nil
}

// certificateSet encodes certs as the [0] IMPLICIT CertificateSet of a
// SignedData. Duplicates are dropped.
func certificateSet(certs []*x509.Certificate) asn1.RawValue {
	var (
		buf  bytes.Buffer
		seen []*x509.Certificate
	)
	for _, cert := range certs {
		if cert == nil || slices.ContainsFunc(seen, cert.Equal) {
			continue
		}
		seen = append(seen, cert)
		buf.Write(cert.Raw)
	}

	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: buf.Bytes()}
}

func digestOIDForHash(hash crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch hash {
	case crypto.SHA1:
		return pkcs7.OIDDigestAlgorithmSHA1, nil
	case crypto.SHA256:
		return pkcs7.OIDDigestAlgorithmSHA256, nil
	case crypto.SHA384:
		return pkcs7.OIDDigestAlgorithmSHA384, nil
	case crypto.SHA512:
		return pkcs7.OIDDigestAlgorithmSHA512, nil
	}

	return nil, fmt.Errorf("%w: digest %s", ra.ErrUnsupportedAlgorithm, hash)
}

// signatureOID returns the SignerInfo signature algorithm for a key. DSA
// keys are not supported.
func signatureOID(pub crypto.PublicKey, hash crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return pkcs7.OIDEncryptionAlgorithmRSA, nil

	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA1:
			return pkcs7.OIDDigestAlgorithmECDSASHA1, nil
		case crypto.SHA256:
			return pkcs7.OIDDigestAlgorithmECDSASHA256, nil
		case crypto.SHA384:
			return pkcs7.OIDDigestAlgorithmECDSASHA384, nil
		case crypto.SHA512:
			return pkcs7.OIDDigestAlgorithmECDSASHA512, nil
		}
	}

	return nil, fmt.Errorf("%w: signing key type %T", ra.ErrUnsupportedAlgorithm, pub)
}
