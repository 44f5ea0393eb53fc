package cmc

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"
)

const nonceSaltSize = 16

// ResponseParams describes the controls of a CMC full response.
type ResponseParams struct {
	Status       StatusCode
	StatusString string

	// BodyPartID is the body part the status refers to. Zero leaves the
	// body list empty.
	BodyPartID int64

	// TransactionID is echoed unchanged when present.
	TransactionID []asn1.RawValue

	// RecipientNonce carries the sender nonce of the request.
	RecipientNonce []asn1.RawValue
}

// Response is a parsed and verified CMC full response.
type Response struct {
	Controls     ControlSet
	Certificates []*x509.Certificate
	Signer       *x509.Certificate
}

// NewNonce returns a fresh nonce: the SHA-1 digest of a random salt, or
// the salt itself when SHA-1 is not available.
func NewNonce() ([]byte, error) {
	salt := make([]byte, nonceSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read random salt: %w", err)
	}

	if !crypto.SHA1.Available() {
		return salt, nil
	}

	h := crypto.SHA1.New()
	h.Write(salt)

	return h.Sum(nil), nil
}

// BuildResponse encodes a PKIResponse with the given controls, signs it
// with s and returns the base64 encoded ContentInfo. certs are carried
// next to the signing certificate.
func BuildResponse(p ResponseParams, s *Signer, certs []*x509.Certificate) (string, error) {
	var (
		controls []TaggedAttribute
		next     int64 = 1
	)

	add := func(oid asn1.ObjectIdentifier, values []asn1.RawValue) {
		controls = append(controls, TaggedAttribute{BodyPartID: next, AttrType: oid, AttrValues: values})
		next++
	}

	info := StatusInfo{
		Status:       asn1.Enumerated(p.Status),
		BodyList:     []int64{},
		StatusString: p.StatusString,
	}
	if p.BodyPartID != 0 {
		info.BodyList = append(info.BodyList, p.BodyPartID)
	}

	der, err := asn1.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to marshal statusInfo: %w", err)
	}
	add(OIDStatusInfo, []asn1.RawValue{{FullBytes: der}})

	if len(p.TransactionID) > 0 {
		add(OIDTransactionID, p.TransactionID)
	}

	if len(p.RecipientNonce) > 0 {
		add(OIDRecipientNonce, p.RecipientNonce)
	}

	nonce, err := NewNonce()
	if err != nil {
		return "", err
	}
	if der, err = asn1.Marshal(nonce); err != nil {
		return "", fmt.Errorf("failed to marshal senderNonce: %w", err)
	}
	add(OIDSenderNonce, []asn1.RawValue{{FullBytes: der}})

	content, err := asn1.Marshal(PKIResponse{ControlSequence: controls})
	if err != nil {
		return "", fmt.Errorf("failed to marshal PKIResponse: %w", err)
	}

	signed, err := s.Sign(OIDPKIResponse, content, certs)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(signed), nil
}

// ParseResponse decodes a base64 CMC full response and verifies its
// signature. When roots is not nil the signing certificate must chain to
// one of them.
func ParseResponse(b64 string, roots *x509.CertPool) (*Response, error) {
	der, err := decodeBase64(b64)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMC response: %w", err)
	}

	if err := p7.VerifyWithChain(roots); err != nil {
		return nil, fmt.Errorf("failed to verify CMC response: %w", err)
	}

	var contentType asn1.ObjectIdentifier
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeContentType, &contentType); err != nil {
		return nil, fmt.Errorf("failed to read content type: %w", err)
	}
	if !contentType.Equal(OIDPKIResponse) {
		return nil, fmt.Errorf("unexpected content type %s", contentType)
	}

	var body PKIResponse
	rest, err := asn1.Unmarshal(p7.Content, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKIResponse: %w", err)
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data after PKIResponse")
	}

	resp := &Response{
		Certificates: p7.Certificates,
		Signer:       p7.GetOnlySigner(),
	}
	if err := resp.Controls.collect(body.ControlSequence); err != nil {
		return nil, err
	}

	return resp, nil
}
