package audit

import (
	"encoding/json"
	"time"
)

// Action is the kind of change or decision being recorded
type Action string

const (
	// Role and permission store
	ActionRoleCreate            Action = "role.create"
	ActionRoleUpdate            Action = "role.update"
	ActionRoleDelete            Action = "role.delete"
	ActionRolePermissionsUpdate Action = "role.permissions_update"
	ActionRoleAssign            Action = "role.assign"
	ActionRoleRevoke            Action = "role.revoke"
	ActionTenantProvision       Action = "tenant.provision_roles"

	// Delegation manager
	ActionDelegationCreate Action = "delegation.create"
	ActionDelegationRevoke Action = "delegation.revoke"
	ActionDelegationExpire Action = "delegation.expire"

	// Entitlement store
	ActionFeatureGrant  Action = "entitlement.feature_grant"
	ActionFeatureRevoke Action = "entitlement.feature_revoke"
	ActionPlanProvision Action = "entitlement.plan_provision"

	// Lifecycle controller
	ActionLifecycleEvent Action = "lifecycle.event"

	// Access decisions
	ActionAccessDenied  Action = "access.denied"
	ActionAccessFailure Action = "access.failure"
)

// Outcome is the result of the recorded action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// TargetType identifies the kind of entity an action touched
type TargetType string

const (
	TargetRole       TargetType = "role"
	TargetUser       TargetType = "user"
	TargetDelegation TargetType = "delegation"
	TargetFeature    TargetType = "feature"
	TargetPlan       TargetType = "plan"
	TargetTenant     TargetType = "tenant"
	TargetPermission TargetType = "permission"
	TargetEvent      TargetType = "lifecycle_event"
)

// Record is a single immutable audit entry
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  int64     `json:"tenant_id"`
	ActorID   *int64    `json:"actor_id,omitempty"` // nil for system-driven changes

	Action     Action     `json:"action"`
	Outcome    Outcome    `json:"outcome"`
	TargetType TargetType `json:"target_type,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`

	Reason    string                 `json:"reason,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Changes   *ChangeDetails         `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the record to JSON
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Filter selects records within one tenant
type Filter struct {
	TenantID int64

	StartTime *time.Time
	EndTime   *time.Time

	ActorID *int64
	Actions []Action
	Outcome *Outcome

	Limit  int
	Offset int
}

// ExportFormat represents the format for exporting audit records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// ParseExportFormat maps a query value onto a format, defaulting to JSON
func ParseExportFormat(s string) ExportFormat {
	switch ExportFormat(s) {
	case ExportFormatCSV, ExportFormatNDJSON:
		return ExportFormat(s)
	default:
		return ExportFormatJSON
	}
}

// RetentionPolicy defines how long audit records are kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep records
	RetentionDays int

	// ArchiveEnabled writes expiring records to the Archiver before deletion
	ArchiveEnabled bool
}

// DefaultRetentionPolicy returns a default retention policy (365 days)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays:  365,
		ArchiveEnabled: false,
	}
}
