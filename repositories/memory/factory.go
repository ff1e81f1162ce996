package memory

import "github.com/upb/prompt-firewall/repositories"

// NewRepositories creates the in-memory repository set
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Policies:  NewPolicyRepository(),
		AuditLogs: NewAuditRepository(),
		Tenants:   NewTenantRepository(),
	}
}
