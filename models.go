package modules

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ModuleAction is the kind of state change recorded in the audit log and
// carried by ModuleStateEvent.
type ModuleAction string

const (
	ActionEnabled  ModuleAction = "enabled"
	ActionDisabled ModuleAction = "disabled"
	ActionDeleted  ModuleAction = "deleted"
)

// IsValid checks the action is one of the known actions
func (a ModuleAction) IsValid() bool {
	switch a {
	case ActionEnabled, ActionDisabled, ActionDeleted:
		return true
	default:
		return false
	}
}

// DefaultModuleVersion is assigned to modules created without a declared version.
const DefaultModuleVersion = "1.0.0"

// Module is the canonical catalog record, unique by name.
type Module struct {
	bun.BaseModel  `bun:"table:modules,alias:m"`
	ID             uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	Name           string         `bun:"name,notnull,unique" json:"name"`
	Description    string         `bun:"description" json:"description,omitempty"`
	Version        string         `bun:"version,notnull" json:"version"`
	IsCore         bool           `bun:"is_core,notnull" json:"is_core"`
	SettingsSchema map[string]any `bun:"settings_schema,type:jsonb" json:"settings_schema,omitempty"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Snapshot returns the metadata carried by state change events.
func (m *Module) Snapshot() ModuleSnapshot {
	if m == nil {
		return ModuleSnapshot{}
	}
	return ModuleSnapshot{
		Name:        m.Name,
		Description: m.Description,
		Version:     m.Version,
		IsCore:      m.IsCore,
	}
}

// Activation is the per (tenant, module) pivot.
//
// IsActive implies ActivatedAt is set and DeactivatedAt is nil. Disabling
// keeps ActivatedAt so the last activation time survives.
type Activation struct {
	bun.BaseModel `bun:"table:tenant_modules,alias:tm"`
	ID            uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	TenantID      string         `bun:"tenant_id,notnull,unique:uq_tenant_module" json:"tenant_id"`
	ModuleID      uuid.UUID      `bun:"module_id,notnull,type:uuid,unique:uq_tenant_module" json:"module_id"`
	IsActive      bool           `bun:"is_active,notnull" json:"is_active"`
	ActivatedAt   *time.Time     `bun:"activated_at" json:"activated_at,omitempty"`
	DeactivatedAt *time.Time     `bun:"deactivated_at" json:"deactivated_at,omitempty"`
	Settings      map[string]any `bun:"settings,type:jsonb" json:"settings,omitempty"`
	LastBilledAt  *time.Time     `bun:"last_billed_at" json:"last_billed_at,omitempty"`
	BillingCycle  string         `bun:"billing_cycle" json:"billing_cycle,omitempty"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`

	Module *Module `bun:"rel:belongs-to,join:module_id=id" json:"module,omitempty"`
}

// ActiveDuration reports how long the module has been (or was last) active.
func (a *Activation) ActiveDuration(now time.Time) time.Duration {
	if a == nil || a.ActivatedAt == nil {
		return 0
	}
	if a.IsActive || a.DeactivatedAt == nil {
		return now.Sub(*a.ActivatedAt)
	}
	return a.DeactivatedAt.Sub(*a.ActivatedAt)
}

// LogEntry is an append only audit record. ModuleName is a plain string so
// entries outlive the module row.
type LogEntry struct {
	bun.BaseModel `bun:"table:module_logs,alias:ml"`
	ID            uuid.UUID    `bun:"id,pk,type:uuid" json:"id"`
	TenantID      string       `bun:"tenant_id,notnull" json:"tenant_id"`
	ModuleName    string       `bun:"module_name,notnull" json:"module_name"`
	Action        ModuleAction `bun:"action,notnull" json:"action"`
	ActorID       string       `bun:"actor_id" json:"actor_id,omitempty"`
	ActorType     string       `bun:"actor_type" json:"actor_type,omitempty"`
	OccurredAt    time.Time    `bun:"occurred_at,notnull" json:"occurred_at"`
	CreatedAt     time.Time    `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// ProvisionRecord marks a provisioning step applied for a tenant.
type ProvisionRecord struct {
	bun.BaseModel `bun:"table:module_migrations,alias:mm"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	TenantID      string    `bun:"tenant_id,notnull,unique:uq_module_migration"`
	ModuleName    string    `bun:"module_name,notnull,unique:uq_module_migration"`
	Migration     string    `bun:"migration,notnull,unique:uq_module_migration"`
	AppliedAt     time.Time `bun:"applied_at,notnull"`
}

// ModuleStatus is a catalog row joined with one tenant's activation.
type ModuleStatus struct {
	Module     *Module
	Activation *Activation
	// Available is false when the registry does not offer the module (missing
	// descriptor or kill switch).
	Available bool
}

// IsActive reports whether the tenant has the module switched on.
func (s ModuleStatus) IsActive() bool {
	return s.Activation != nil && s.Activation.IsActive
}
