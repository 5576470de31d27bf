// Package models - audit_log.go defines the AuditRecord model: one immutable event
// describing a state change anywhere in the portal, with optional actor, entity
// pointer, before/after snapshots and request provenance.
package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Action types used by the portal. The column is open-ended; any non-empty
// string is accepted.
const (
	ActionCreate       = "CREATE"
	ActionUpdate       = "UPDATE"
	ActionDelete       = "DELETE"
	ActionAssign       = "ASSIGN"
	ActionConvert      = "CONVERT"
	ActionLogin        = "LOGIN"
	ActionLogout       = "LOGOUT"
	ActionStatusChange = "STATUS_CHANGE"
)

// DefaultBusinessContext is stored when a caller does not name a business context.
const DefaultBusinessContext = "general"

// Business contexts used by call sites in this repository.
const (
	ContextSalesPipeline    = "sales_pipeline"
	ContextClientManagement = "client_management"
)

// Severity classifies an audit event for triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Widths of the bounded audit_logs columns, in characters.
const (
	MaxUserEmailLen = 255
	MaxUserNameLen  = 255
	MaxUserRoleLen  = 50
	MaxIPAddressLen = 45
)

// ClampText drops invalid UTF-8 from s and cuts it to at most n characters.
func ClampText(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Snapshot is a before/after view of an entity, stored as JSON text.
type Snapshot map[string]interface{}

// Actor is the user an audited action is attributed to. A nil *Actor means
// the event was initiated by the system.
type Actor struct {
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	UserRole  string `json:"user_role,omitempty"`
}

// Provenance carries the request origin recorded alongside an event.
type Provenance struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuditRecord is a persisted row of the audit_logs table.
type AuditRecord struct {
	ID                int64     `json:"id"`
	Actor             *Actor    `json:"actor,omitempty"`
	ActionType        string    `json:"action_type"`
	TableName         *string   `json:"table_name,omitempty"`
	RecordID          *int64    `json:"record_id,omitempty"`
	ActionDescription string    `json:"action_description"`
	OldValues         Snapshot  `json:"old_values,omitempty"`
	NewValues         Snapshot  `json:"new_values,omitempty"`
	ChangedFields     []string  `json:"changed_fields,omitempty"`
	BusinessContext   string    `json:"business_context"`
	SeverityLevel     Severity  `json:"severity_level"`
	IPAddress         *string   `json:"ip_address,omitempty"`
	UserAgent         *string   `json:"user_agent,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
