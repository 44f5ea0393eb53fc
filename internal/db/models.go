package db

import (
	"crypto/x509"
	"fmt"
	"maps"
	"slices"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
)

// modelTypes are migrated when the database is opened.
var modelTypes = []interface{}{
	&RequestRecord{},
	&IssuedCertificate{},
	&AuditEvent{},
}

// RequestRecord is the stored form of a ra.Request.
type RequestRecord struct {
	ID           uint64              `gorm:"primaryKey;autoIncrement"`
	Type         string              `gorm:"not null;index"`
	Status       string              `gorm:"not null;index"`
	Owner        string              `gorm:"index"`
	SourceID     uint64              `gorm:"not null;default:0"`
	Result       string              `gorm:"not null;default:''"`
	CertInfos    []ra.CertInfo       `gorm:"serializer:json;type:text"`
	Approvals    []string            `gorm:"serializer:json;type:text"`
	ExtData      map[string]string   `gorm:"serializer:json;type:text"`
	Certificates []IssuedCertificate `gorm:"foreignKey:RequestID"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (RequestRecord) TableName() string {
	return "requests"
}

// IssuedCertificate is a certificate issued for a request. Position keeps
// the order of the request's certificate information.
type IssuedCertificate struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     uint64    `gorm:"not null;index"`
	Position      int       `gorm:"not null"`
	SerialNumber  string    `gorm:"uniqueIndex;not null"`
	CommonName    string    `gorm:"not null"`
	IssuedAt      time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null"`
	SignatureAlgo string    `gorm:"not null"`
	Raw           []byte    `gorm:"not null"`
	CreatedAt     time.Time
}

// AuditEvent is the stored form of a ra.AuditRecord. Rows are only ever
// inserted.
type AuditEvent struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Timestamp     time.Time `gorm:"column:occurred_at;not null;index"`
	RequesterID   string    `gorm:"index"`
	Action        string    `gorm:"not null"`
	Outcome       string    `gorm:"not null"`
	Reason        int       `gorm:"not null"`
	RequestID     uint64    `gorm:"index"`
	Status        string
	SerialNumbers []string `gorm:"serializer:json;type:text"`
	Detail        string   `gorm:"type:text"`
}

func newRequestRecord(r *ra.Request) *RequestRecord {
	return &RequestRecord{
		ID:        uint64(r.ID),
		Type:      string(r.Type),
		Status:    string(r.Status),
		Owner:     r.Owner,
		SourceID:  uint64(r.SourceID),
		Result:    string(r.Result),
		CertInfos: slices.Clone(r.CertInfos),
		Approvals: slices.Clone(r.Approvals),
		ExtData:   maps.Clone(r.ExtData),
	}
}

func (rec *RequestRecord) toRequest() (*ra.Request, error) {
	r := &ra.Request{
		ID:        ra.RequestID(rec.ID),
		Type:      ra.RequestType(rec.Type),
		Status:    ra.Status(rec.Status),
		Owner:     rec.Owner,
		SourceID:  ra.RequestID(rec.SourceID),
		Result:    ra.Result(rec.Result),
		CertInfos: slices.Clone(rec.CertInfos),
		Approvals: slices.Clone(rec.Approvals),
		ExtData:   maps.Clone(rec.ExtData),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if r.ExtData == nil {
		r.ExtData = map[string]string{}
	}

	for _, ic := range rec.Certificates {
		cert, err := x509.ParseCertificate(ic.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored certificate %s of request %d: %w",
				ic.SerialNumber, rec.ID, err)
		}
		r.IssuedCerts = append(r.IssuedCerts, cert)
	}

	return r, nil
}

func newIssuedCertificate(id uint64, pos int, cert *x509.Certificate) IssuedCertificate {
	return IssuedCertificate{
		RequestID:     id,
		Position:      pos,
		SerialNumber:  cert.SerialNumber.Text(16),
		CommonName:    cert.Subject.CommonName,
		IssuedAt:      cert.NotBefore,
		ExpiresAt:     cert.NotAfter,
		SignatureAlgo: cert.SignatureAlgorithm.String(),
		Raw:           cert.Raw,
	}
}

func newAuditEvent(rec ra.AuditRecord) *AuditEvent {
	return &AuditEvent{
		ID:            rec.ID,
		Timestamp:     rec.Timestamp,
		RequesterID:   rec.RequesterID,
		Action:        string(rec.Action),
		Outcome:       string(rec.Outcome),
		Reason:        int(rec.Reason),
		RequestID:     uint64(rec.RequestID),
		Status:        string(rec.Status),
		SerialNumbers: slices.Clone(rec.SerialNumbers),
		Detail:        rec.Detail,
	}
}

func (e *AuditEvent) toRecord() ra.AuditRecord {
	return ra.AuditRecord{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		RequesterID:   e.RequesterID,
		Action:        ra.Action(e.Action),
		Outcome:       ra.Outcome(e.Outcome),
		Reason:        ra.ReasonCode(e.Reason),
		RequestID:     ra.RequestID(e.RequestID),
		Status:        ra.Status(e.Status),
		SerialNumbers: slices.Clone(e.SerialNumbers),
		Detail:        e.Detail,
	}
}
