// Package cmc encodes and decodes the Certificate Management over CMS
// (RFC 5272) messages used to query the status of a certificate request.
package cmc

import (
	"encoding/asn1"
	"fmt"
)

// Object identifiers.
var (
	OIDStatusInfo     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 1}
	OIDTransactionID  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 5}
	OIDSenderNonce    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 6}
	OIDRecipientNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 7}
	OIDQueryPending   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 7, 21}

	OIDPKIData     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 2}
	OIDPKIResponse = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 12, 3}
)

// StatusCode is the CMCStatus enumeration.
type StatusCode asn1.Enumerated

const (
	StatusSuccess         StatusCode = 0
	StatusFailed          StatusCode = 2
	StatusPending         StatusCode = 3
	StatusNoSupport       StatusCode = 4
	StatusConfirmRequired StatusCode = 5
	StatusPOPRequired     StatusCode = 6
	StatusPartial         StatusCode = 7
)

var statusNames = map[StatusCode]string{
	StatusSuccess:         "success",
	StatusFailed:          "failed",
	StatusPending:         "pending",
	StatusNoSupport:       "noSupport",
	StatusConfirmRequired: "confirmRequired",
	StatusPOPRequired:     "popRequired",
	StatusPartial:         "partial",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// TaggedAttribute is a control attribute of a CMC message.
type TaggedAttribute struct {
	BodyPartID int64
	AttrType   asn1.ObjectIdentifier
	AttrValues []asn1.RawValue `asn1:"set"`
}

// PKIData is the content of a CMC full request.
type PKIData struct {
	ControlSequence  []TaggedAttribute
	ReqSequence      []asn1.RawValue
	CMSSequence      []asn1.RawValue
	OtherMsgSequence []asn1.RawValue
}

// PKIResponse is the content of a CMC full response.
type PKIResponse struct {
	ControlSequence  []TaggedAttribute
	CMSSequence      []asn1.RawValue
	OtherMsgSequence []asn1.RawValue
}

// StatusInfo is the CMCStatusInfo control.
type StatusInfo struct {
	Status       asn1.Enumerated
	BodyList     []int64
	StatusString string `asn1:"optional,utf8"`
}

// Code returns the status as a StatusCode.
func (si StatusInfo) Code() StatusCode {
	return StatusCode(si.Status)
}

// ControlSet holds the controls of a CMC message that the request agent acts
// upon. Values of transactionId and the nonces are kept undecoded so they
// can be echoed byte for byte.
type ControlSet struct {
	// RequestID is the first value of the first queryPending control, or
	// empty.
	RequestID string

	// BodyPartID is the body part id of the queryPending control.
	BodyPartID int64

	// HasQueryPending reports whether a queryPending control was found.
	HasQueryPending bool

	TransactionID  []asn1.RawValue
	SenderNonce    []asn1.RawValue
	RecipientNonce []asn1.RawValue

	// Status is the decoded statusInfo control of a response.
	Status *StatusInfo
}

// collect fills cs from the given control attributes. Only the first
// occurrence of each control is used.
func (cs *ControlSet) collect(controls []TaggedAttribute) error {
	for _, attr := range controls {
		switch {
		case attr.AttrType.Equal(OIDQueryPending):
			if cs.HasQueryPending || len(attr.AttrValues) == 0 {
				continue
			}

			var id []byte
			if _, err := asn1.Unmarshal(attr.AttrValues[0].FullBytes, &id); err != nil {
				return fmt.Errorf("failed to decode queryPending: %w", err)
			}
			cs.RequestID = string(id)
			cs.BodyPartID = attr.BodyPartID
			cs.HasQueryPending = true

		case attr.AttrType.Equal(OIDTransactionID):
			if cs.TransactionID == nil {
				cs.TransactionID = attr.AttrValues
			}

		case attr.AttrType.Equal(OIDSenderNonce):
			if cs.SenderNonce == nil {
				cs.SenderNonce = attr.AttrValues
			}

		case attr.AttrType.Equal(OIDRecipientNonce):
			if cs.RecipientNonce == nil {
				cs.RecipientNonce = attr.AttrValues
			}

		case attr.AttrType.Equal(OIDStatusInfo):
			if cs.Status != nil || len(attr.AttrValues) == 0 {
				continue
			}

			var si StatusInfo
			if _, err := asn1.Unmarshal(attr.AttrValues[0].FullBytes, &si); err != nil {
				return fmt.Errorf("failed to decode statusInfo: %w", err)
			}
			cs.Status = &si
		}
	}

	return nil
}
