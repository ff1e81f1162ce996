package models

import "time"

// DefaultTenantID is used when a public query names no tenant
const DefaultTenantID = "default"

// Tenant partitions policies and audit rows
type Tenant struct {
	ID        string    `json:"id" db:"id" yaml:"id"`
	Name      string    `json:"name" db:"name" yaml:"name"`
	Color     string    `json:"color" db:"color" yaml:"color"`
	Enabled   bool      `json:"enabled" db:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"createdAt" db:"created_at" yaml:"-"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// DefaultTenants is the seed used when no tenant file is configured
func DefaultTenants() []*Tenant {
	return []*Tenant{
		{ID: "tenant-a", Name: "Tenant A", Color: "blue", Enabled: true},
		{ID: "tenant-b", Name: "Tenant B", Color: "green", Enabled: true},
		{ID: "tenant-c", Name: "Tenant C", Color: "purple", Enabled: true},
	}
}
