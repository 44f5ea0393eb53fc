package ra

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCertInfo(t *testing.T) CertInfo {
	t.Helper()

	subject, err := EncodeDN("CN=device01,O=Example,C=DE")
	require.NoError(t, err)

	return CertInfo{
		SignatureAlgorithm: x509.SHA256WithRSA.String(),
		RawSubject:         subject,
		NotBefore:          time.Unix(1700000000, 0).UTC(),
		NotAfter:           time.Unix(1710000000, 0).UTC(),
		Extensions: []pkix.Extension{
			{Id: asn1.ObjectIdentifier{2, 5, 29, 15}, Critical: true, Value: []byte{3, 2, 7, 128}},
		},
	}
}

func TestCertInfoWithNoOverrides(t *testing.T) {
	ci := baseCertInfo(t)

	next, changed, err := ci.With(Overrides{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, ci, next)
}

func TestCertInfoWithDoesNotMutateReceiver(t *testing.T) {
	ci := baseCertInfo(t)
	orig := ci.clone()

	next, changed, err := ci.With(Overrides{
		SignatureAlgorithm: "sha384-rsa",
		Subject:            "CN=device02,O=Example,C=DE",
		NotBefore:          1700000100,
		NotAfter:           1720000000,
		Extensions: []pkix.Extension{
			{Id: asn1.ObjectIdentifier{2, 5, 29, 15}, Critical: true, Value: []byte{3, 2, 5, 160}},
			{Id: asn1.ObjectIdentifier{2, 5, 29, 37}, Value: []byte{48, 0}},
		},
	})
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, orig, ci)

	assert.Equal(t, "SHA384-RSA", next.SignatureAlgorithm)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), next.NotBefore)
	assert.Equal(t, time.Unix(1720000000, 0).UTC(), next.NotAfter)
	require.Len(t, next.Extensions, 2)
	assert.Equal(t, []byte{3, 2, 5, 160}, next.Extensions[0].Value)

	name, err := next.Subject()
	require.NoError(t, err)
	assert.Equal(t, "device02", name.CommonName)
	assert.Equal(t, []string{"Example"}, name.Organization)
	assert.Equal(t, []string{"DE"}, name.Country)
}

func TestCertInfoWithSameValuesIsUnchanged(t *testing.T) {
	ci := baseCertInfo(t)

	_, changed, err := ci.With(Overrides{
		SignatureAlgorithm: "SHA256-RSA",
		Subject:            "CN=device01,O=Example,C=DE",
		NotBefore:          1700000000,
	})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCertInfoWithPathLen(t *testing.T) {
	ci := baseCertInfo(t)
	zero := 0

	_, changed, err := ci.With(Overrides{PathLenConstraint: &zero})
	require.NoError(t, err)
	assert.False(t, changed, "path length applies to CA certificates only")

	ci.IsCA = true
	ci.MaxPathLen = 2
	next, changed, err := ci.With(Overrides{PathLenConstraint: &zero})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, next.MaxPathLen)
	assert.Equal(t, 2, ci.MaxPathLen)
}

func TestCertInfoWithErrors(t *testing.T) {
	ci := baseCertInfo(t)

	_, _, err := ci.With(Overrides{SignatureAlgorithm: "ROT13-RSA"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	assert.Equal(t, KindAlgorithm, Classify(err))

	_, _, err = ci.With(Overrides{NotAfter: 1600000000})
	assert.ErrorIs(t, err, ErrInvalidCertInfo)
	assert.Equal(t, KindCertificate, Classify(err))

	_, _, err = ci.With(Overrides{Subject: "not a dn"})
	assert.ErrorIs(t, err, ErrInvalidCertInfo)
}

func TestParseExtensions(t *testing.T) {
	exts := []pkix.Extension{
		{Id: asn1.ObjectIdentifier{2, 5, 29, 19}, Critical: true, Value: []byte{48, 3, 1, 1, 255}},
	}
	der, err := asn1.Marshal(exts)
	require.NoError(t, err)

	got, err := ParseExtensions(der)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Id.Equal(exts[0].Id))
	assert.True(t, got[0].Critical)

	_, err = ParseExtensions(append(der, 0))
	assert.ErrorIs(t, err, ErrInvalidCertInfo)
}

func TestEncodeDNOrderAndTypes(t *testing.T) {
	der, err := EncodeDN("CN=agent,OU=RA,DC=example,DC=org,1.2.3.4=custom")
	require.NoError(t, err)

	var rdns pkix.RDNSequence
	_, err = asn1.Unmarshal(der, &rdns)
	require.NoError(t, err)
	require.Len(t, rdns, 5)

	assert.Equal(t, asn1.ObjectIdentifier{1, 2, 3, 4}, rdns[0][0].Type)
	assert.Equal(t, asn1.ObjectIdentifier{2, 5, 4, 3}, rdns[4][0].Type)
	assert.Equal(t, "agent", rdns[4][0].Value)

	_, err = EncodeDN("FOO=bar")
	assert.ErrorIs(t, err, ErrInvalidCertInfo)
}

func TestCertInfoFromCSR(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "device01", Organization: []string{"Example"}},
		DNSNames: []string{"device01.example.org"},
	}, key)
	require.NoError(t, err)

	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)

	nb := time.Unix(1700000000, 0)
	info, err := CertInfoFromCSR(csr, nb, nb.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, csr.RawSubject, info.RawSubject)
	assert.Equal(t, csr.RawSubjectPublicKeyInfo, info.PublicKey)
	assert.Empty(t, info.SignatureAlgorithm)
	require.Len(t, info.Extensions, 1)
	assert.True(t, info.Extensions[0].Id.Equal(asn1.ObjectIdentifier{2, 5, 29, 17}))

	_, err = CertInfoFromCSR(csr, nb, nb)
	assert.ErrorIs(t, err, ErrInvalidCertInfo)

	csr.Signature[len(csr.Signature)-1] ^= 0xff
	_, err = CertInfoFromCSR(csr, nb, nb.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidCertInfo)
}
