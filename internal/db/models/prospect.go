// Package models - prospect.go defines the sales pipeline entities: prospects and the
// clients they convert into.
package models

import "time"

// Prospect statuses
const (
	ProspectStatusNew       = "new"
	ProspectStatusContacted = "contacted"
	ProspectStatusQualified = "qualified"
	ProspectStatusConverted = "converted"
	ProspectStatusLost      = "lost"
)

// Prospect is a business being worked by a salesperson
type Prospect struct {
	ID                    int64     `json:"id" db:"id"`
	BusinessName          string    `json:"business_name" db:"business_name"`
	ContactName           *string   `json:"contact_name,omitempty" db:"contact_name"`
	ContactEmail          *string   `json:"contact_email,omitempty" db:"contact_email"`
	Phone                 *string   `json:"phone,omitempty" db:"phone"`
	Status                string    `json:"status" db:"status"`
	AssignedSalespersonID *int64    `json:"assigned_salesperson_id,omitempty" db:"assigned_salesperson_id"`
	EstimatedValue        float64   `json:"estimated_value" db:"estimated_value"`
	ConvertedClientID     *int64    `json:"converted_client_id,omitempty" db:"converted_client_id"`
	CreatedBy             *int64    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// Snapshot returns the audit view of the prospect.
func (p *Prospect) Snapshot() Snapshot {
	s := Snapshot{
		"business_name":   p.BusinessName,
		"status":          p.Status,
		"estimated_value": p.EstimatedValue,
	}
	if p.ContactName != nil {
		s["contact_name"] = *p.ContactName
	}
	if p.ContactEmail != nil {
		s["contact_email"] = *p.ContactEmail
	}
	if p.Phone != nil {
		s["phone"] = *p.Phone
	}
	if p.AssignedSalespersonID != nil {
		s["assigned_salesperson_id"] = *p.AssignedSalespersonID
	}
	return s
}

// Client is a converted prospect under contract
type Client struct {
	ID               int64     `json:"id" db:"id"`
	BusinessName     string    `json:"business_name" db:"business_name"`
	ContactEmail     *string   `json:"contact_email,omitempty" db:"contact_email"`
	SourceProspectID *int64    `json:"source_prospect_id,omitempty" db:"source_prospect_id"`
	ContractValue    float64   `json:"contract_value" db:"contract_value"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
