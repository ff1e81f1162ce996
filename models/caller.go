package models

// Role is the caller's authorization level taken from a verified token
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// SystemRollbackUser is recorded as updatedBy when a rollback names no actor
const SystemRollbackUser = "system_rollback"

// Caller identifies who is acting and for which tenant
type Caller struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
}

// IsSuperAdmin reports whether the caller may act on any tenant
func (c Caller) IsSuperAdmin() bool {
	return c.Role == RoleSuperAdmin
}

// CanAccessTenant reports whether the caller may act on tenantID
func (c Caller) CanAccessTenant(tenantID string) bool {
	return c.IsSuperAdmin() || c.TenantID == tenantID
}
