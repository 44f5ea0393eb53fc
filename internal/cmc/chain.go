package cmc

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// BuildChain returns the end-entity certificate followed by every CA
// certificate which is not the end-entity certificate itself, in CA order.
func BuildChain(ee *x509.Certificate, cachain []*x509.Certificate) []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(cachain)+1)
	out = append(out, ee)

	for _, cert := range cachain {
		if cert == nil || cert.Equal(ee) {
			continue
		}
		out = append(out, cert)
	}

	return out
}

// DegenerateChain encodes certs as a degenerate PKCS#7 SignedData without
// signers and returns it base64 encoded on a single line.
func DegenerateChain(certs []*x509.Certificate) (string, error) {
	if len(certs) == 0 {
		return "", errors.New("no certificates provided")
	}

	var buf bytes.Buffer
	for i, cert := range certs {
		if cert == nil || len(cert.Raw) == 0 {
			return "", fmt.Errorf("certificate %d has no DER encoding", i)
		}
		buf.Write(cert.Raw)
	}

	der, err := pkcs7.DegenerateCertificate(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to create degenerate PKCS#7: %w", err)
	}

	return base64.StdEncoding.EncodeToString(der), nil
}

// ParseChain decodes a base64 degenerate PKCS#7 chain.
func ParseChain(b64 string) ([]*x509.Certificate, error) {
	der, err := decodeBase64(b64)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7: %w", err)
	}

	return p7.Certificates, nil
}
