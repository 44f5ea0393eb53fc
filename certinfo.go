package ra

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"slices"
	"strings"
	"time"
)

// CertInfo describes a certificate waiting to be issued. Values are never
// modified in place: With returns an amended copy.
type CertInfo struct {
	SignatureAlgorithm string           `json:"signatureAlgorithm,omitempty"`
	RawSubject         []byte           `json:"subject"`
	PublicKey          []byte           `json:"publicKey"`
	NotBefore          time.Time        `json:"notBefore"`
	NotAfter           time.Time        `json:"notAfter"`
	Extensions         []pkix.Extension `json:"extensions,omitempty"`
	IsCA               bool             `json:"isCA,omitempty"`
	MaxPathLen         int              `json:"maxPathLen,omitempty"`
}

// Overrides are agent supplied amendments applied when accepting a request.
type Overrides struct {
	// SignatureAlgorithm is an x509.SignatureAlgorithm name such as
	// "SHA256-RSA". Empty leaves the algorithm unchanged.
	SignatureAlgorithm string

	// Subject is an RFC 4514 distinguished name. Empty leaves the subject
	// unchanged.
	Subject string

	// NotBefore and NotAfter are seconds since the epoch, 0 leaves the
	// bound unchanged.
	NotBefore int64
	NotAfter  int64

	// Extensions replace extensions with the same OID and are appended
	// otherwise.
	Extensions []pkix.Extension

	// PathLenConstraint applies to CA certificates only. Nil leaves it
	// unchanged.
	PathLenConstraint *int
}

// Empty reports whether no override is set.
func (o Overrides) Empty() bool {
	return o.SignatureAlgorithm == "" && o.Subject == "" &&
		o.NotBefore == 0 && o.NotAfter == 0 &&
		len(o.Extensions) == 0 && o.PathLenConstraint == nil
}

// With returns a copy of ci amended by o, and whether any field differed.
func (ci CertInfo) With(o Overrides) (CertInfo, bool, error) {
	next := ci.clone()
	changed := false

	if o.SignatureAlgorithm != "" {
		alg, err := ParseSignatureAlgorithm(o.SignatureAlgorithm)
		if err != nil {
			return ci, false, err
		}
		if alg.String() != ci.SignatureAlgorithm {
			next.SignatureAlgorithm = alg.String()
			changed = true
		}
	}

	if o.Subject != "" {
		raw, err := EncodeDN(o.Subject)
		if err != nil {
			return ci, false, err
		}
		if !bytes.Equal(raw, ci.RawSubject) {
			next.RawSubject = raw
			changed = true
		}
	}

	if o.NotBefore != 0 {
		t := time.Unix(o.NotBefore, 0).UTC()
		if !t.Equal(ci.NotBefore) {
			next.NotBefore = t
			changed = true
		}
	}

	if o.NotAfter != 0 {
		t := time.Unix(o.NotAfter, 0).UTC()
		if !t.Equal(ci.NotAfter) {
			next.NotAfter = t
			changed = true
		}
	}

	if (o.NotBefore != 0 || o.NotAfter != 0) && !next.NotAfter.After(next.NotBefore) {
		return ci, false, fmt.Errorf("%w: notAfter %s is not after notBefore %s",
			ErrInvalidCertInfo, next.NotAfter.Format(time.RFC3339), next.NotBefore.Format(time.RFC3339))
	}

	for _, ext := range o.Extensions {
		i := slices.IndexFunc(next.Extensions, func(e pkix.Extension) bool {
			return e.Id.Equal(ext.Id)
		})
		switch {
		case i < 0:
			next.Extensions = append(next.Extensions, ext)
			changed = true
		case !extensionEqual(next.Extensions[i], ext):
			next.Extensions[i] = ext
			changed = true
		}
	}

	if o.PathLenConstraint != nil && ci.IsCA && *o.PathLenConstraint != ci.MaxPathLen {
		next.MaxPathLen = *o.PathLenConstraint
		changed = true
	}

	if !changed {
		return ci, false, nil
	}

	return next, true, nil
}

// Subject decodes the raw subject name.
func (ci CertInfo) Subject() (pkix.Name, error) {
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(ci.RawSubject, &rdns)
	if err != nil {
		return pkix.Name{}, fmt.Errorf("failed to parse subject: %w", err)
	} else if len(rest) != 0 {
		return pkix.Name{}, fmt.Errorf("%w: trailing data after subject", ErrInvalidCertInfo)
	}

	var name pkix.Name
	name.FillFromRDNSequence(&rdns)

	return name, nil
}

func (ci CertInfo) clone() CertInfo {
	c := ci
	c.RawSubject = slices.Clone(ci.RawSubject)
	c.PublicKey = slices.Clone(ci.PublicKey)
	if ci.Extensions == nil {
		return c
	}

	c.Extensions = make([]pkix.Extension, len(ci.Extensions))
	for i, ext := range ci.Extensions {
		c.Extensions[i] = pkix.Extension{
			Id:       slices.Clone(ext.Id),
			Critical: ext.Critical,
			Value:    slices.Clone(ext.Value),
		}
	}

	return c
}

func extensionEqual(a, b pkix.Extension) bool {
	return a.Id.Equal(b.Id) && a.Critical == b.Critical && bytes.Equal(a.Value, b.Value)
}

// ParseSignatureAlgorithm looks up an x509.SignatureAlgorithm by the name
// returned from its String method. Matching is case-insensitive.
func ParseSignatureAlgorithm(name string) (x509.SignatureAlgorithm, error) {
	name = strings.TrimSpace(name)
	for alg := x509.MD2WithRSA; alg <= x509.PureEd25519; alg++ {
		if strings.EqualFold(alg.String(), name) {
			return alg, nil
		}
	}

	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// ParseExtensions decodes a DER SEQUENCE OF Extension.
func ParseExtensions(der []byte) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	rest, err := asn1.Unmarshal(der, &exts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extensions: %w", err)
	} else if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing data after extensions", ErrInvalidCertInfo)
	}

	return exts, nil
}

// CertInfoFromCSR returns the certificate information requested by csr for
// the given validity window. The CSR signature is verified. The signature
// algorithm is left for the issuing CA to choose.
func CertInfoFromCSR(csr *x509.CertificateRequest, notBefore, notAfter time.Time) (CertInfo, error) {
	if err := csr.CheckSignature(); err != nil {
		return CertInfo{}, fmt.Errorf("%w: %w", ErrInvalidCertInfo, err)
	}
	if !notAfter.After(notBefore) {
		return CertInfo{}, fmt.Errorf("%w: notAfter must be later than notBefore", ErrInvalidCertInfo)
	}

	info := CertInfo{
		RawSubject: slices.Clone(csr.RawSubject),
		PublicKey:  slices.Clone(csr.RawSubjectPublicKeyInfo),
		NotBefore:  notBefore.UTC(),
		NotAfter:   notAfter.UTC(),
	}
	for _, ext := range csr.Extensions {
		info.Extensions = append(info.Extensions, pkix.Extension{
			Id:       slices.Clone(ext.Id),
			Critical: ext.Critical,
			Value:    slices.Clone(ext.Value),
		})
	}

	return info, nil
}
