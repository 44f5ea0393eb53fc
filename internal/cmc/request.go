package cmc

import (
	"crypto/rand"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"go.mozilla.org/pkcs7"
)

// Body part ids of the controls in a query built by Query.Encode.
const (
	queryTransactionIDPart = 1
	querySenderNoncePart   = 2
	queryPendingPart       = 3
)

// ParseFullRequest decodes a base64 CMC full request (a signed PKIData)
// and returns the controls relevant to a status query. The signature of the
// request is not verified.
func ParseFullRequest(b64 string) (*ControlSet, error) {
	der, err := decodeBase64(b64)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMC request: %w", err)
	}
	if len(p7.Content) == 0 {
		return nil, errors.New("CMC request carries no PKIData")
	}

	var data PKIData
	rest, err := asn1.Unmarshal(p7.Content, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKIData: %w", err)
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data after PKIData")
	}

	var cs ControlSet
	if err := cs.collect(data.ControlSequence); err != nil {
		return nil, err
	}

	return &cs, nil
}

// Query is a queryPending full request as sent by a client.
type Query struct {
	RequestID     string
	TransactionID *big.Int
	SenderNonce   []byte
}

// NewQuery returns a query for requestID with a random transaction id and
// a fresh sender nonce.
func NewQuery(requestID string) (Query, error) {
	tid, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return Query{}, fmt.Errorf("failed to make transaction id: %w", err)
	}

	nonce, err := NewNonce()
	if err != nil {
		return Query{}, err
	}

	return Query{RequestID: requestID, TransactionID: tid, SenderNonce: nonce}, nil
}

// Encode signs the query with s and returns the base64 encoded ContentInfo.
func (q Query) Encode(s *Signer) (string, error) {
	var controls []TaggedAttribute

	if q.TransactionID != nil {
		attr, err := newAttribute(queryTransactionIDPart, OIDTransactionID, q.TransactionID)
		if err != nil {
			return "", err
		}
		controls = append(controls, attr)
	}

	if q.SenderNonce != nil {
		attr, err := newAttribute(querySenderNoncePart, OIDSenderNonce, q.SenderNonce)
		if err != nil {
			return "", err
		}
		controls = append(controls, attr)
	}

	attr, err := newAttribute(queryPendingPart, OIDQueryPending, []byte(q.RequestID))
	if err != nil {
		return "", err
	}
	controls = append(controls, attr)

	content, err := asn1.Marshal(PKIData{ControlSequence: controls})
	if err != nil {
		return "", fmt.Errorf("failed to marshal PKIData: %w", err)
	}

	der, err := s.Sign(OIDPKIData, content, nil)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(der), nil
}

// newAttribute returns a control with the single value v.
func newAttribute(bodyPartID int64, oid asn1.ObjectIdentifier, v interface{}) (TaggedAttribute, error) {
	der, err := asn1.Marshal(v)
	if err != nil {
		return TaggedAttribute{}, fmt.Errorf("failed to marshal control %s: %w", oid, err)
	}

	return TaggedAttribute{
		BodyPartID: bodyPartID,
		AttrType:   oid,
		AttrValues: []asn1.RawValue{{FullBytes: der}},
	}, nil
}
