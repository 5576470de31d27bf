// Package models - ownership_change.go defines the OwnershipChangeRecord stored in the
// prospect ownership ledger, one row per salesperson reassignment.
package models

import "time"

// DefaultOwnershipReason is recorded when a reassignment is made without a reason.
const DefaultOwnershipReason = "Ownership reassignment"

// OwnershipChangeRecord is a persisted row of the prospect_ownership_log table
type OwnershipChangeRecord struct {
	ID              int64     `json:"id" db:"id"`
	ProspectID      int64     `json:"prospect_id" db:"prospect_id"`
	OldOwnerID      *int64    `json:"old_owner_id,omitempty" db:"old_owner_id"` // nil when the prospect was unassigned
	NewOwnerID      int64     `json:"new_owner_id" db:"new_owner_id"`
	ChangedByUserID *int64    `json:"changed_by_user_id,omitempty" db:"changed_by_user_id"`
	Reason          string    `json:"reason" db:"reason"`
	IPAddress       *string   `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent       *string   `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
