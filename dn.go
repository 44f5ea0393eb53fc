package ra

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	oidDomainComp   = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	oidUserID       = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
)

// dnAttributeTypes maps RFC 4514 attribute names to their OIDs.
var dnAttributeTypes = map[string]asn1.ObjectIdentifier{
	"CN":           {2, 5, 4, 3},
	"SN":           {2, 5, 4, 4},
	"SERIALNUMBER": {2, 5, 4, 5},
	"C":            {2, 5, 4, 6},
	"L":            {2, 5, 4, 7},
	"ST":           {2, 5, 4, 8},
	"STREET":       {2, 5, 4, 9},
	"O":            {2, 5, 4, 10},
	"OU":           {2, 5, 4, 11},
	"TITLE":        {2, 5, 4, 12},
	"POSTALCODE":   {2, 5, 4, 17},
	"GIVENNAME":    {2, 5, 4, 42},
	"DC":           oidDomainComp,
	"UID":          oidUserID,
	"E":            oidEmailAddress,
	"EMAILADDRESS": oidEmailAddress,
}

// EncodeDN parses an RFC 4514 distinguished name and returns its DER
// encoding as an X.509 Name. The string lists the most specific RDN first,
// the encoding lists it last.
func EncodeDN(s string) ([]byte, error) {
	dn, err := ldap.ParseDN(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid subject %q: %v", ErrInvalidCertInfo, s, err)
	}
	if len(dn.RDNs) == 0 {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidCertInfo)
	}

	rdns := make(pkix.RDNSequence, 0, len(dn.RDNs))
	for i := len(dn.RDNs) - 1; i >= 0; i-- {
		var set pkix.RelativeDistinguishedNameSET
		for _, atv := range dn.RDNs[i].Attributes {
			oid, err := attributeOID(atv.Type)
			if err != nil {
				return nil, err
			}
			set = append(set, pkix.AttributeTypeAndValue{
				Type:  oid,
				Value: attributeValue(oid, atv.Value),
			})
		}
		rdns = append(rdns, set)
	}

	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subject: %w", err)
	}

	return der, nil
}

func attributeOID(name string) (asn1.ObjectIdentifier, error) {
	if oid, ok := dnAttributeTypes[strings.ToUpper(name)]; ok {
		return oid, nil
	}

	// Dotted OID form, e.g. 2.5.4.3=example.
	var oid asn1.ObjectIdentifier
	for _, part := range strings.Split(name, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: unknown attribute type %q", ErrInvalidCertInfo, name)
		}
		oid = append(oid, n)
	}
	if len(oid) < 2 {
		return nil, fmt.Errorf("%w: unknown attribute type %q", ErrInvalidCertInfo, name)
	}

	return oid, nil
}

func attributeValue(oid asn1.ObjectIdentifier, v string) interface{} {
	if oid.Equal(oidEmailAddress) || oid.Equal(oidDomainComp) {
		return asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagIA5String, Bytes: []byte(v)}
	}

	return v
}
