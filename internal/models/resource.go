package models

import "time"

// ResourceKind identifies what kind of entity a resource is.
type ResourceKind string

const (
	KindServer   ResourceKind = "server"
	KindWebsite  ResourceKind = "website"
	KindNetwork  ResourceKind = "network"
	KindDatabase ResourceKind = "database"
)

// ValidKind reports whether k is one of the supported resource kinds.
func ValidKind(k ResourceKind) bool {
	switch k {
	case KindServer, KindWebsite, KindNetwork, KindDatabase:
		return true
	}
	return false
}

// ResourceStatus is the derived health state of a resource.
type ResourceStatus string

const (
	StatusOnline   ResourceStatus = "online"
	StatusWarning  ResourceStatus = "warning"
	StatusCritical ResourceStatus = "critical"
	StatusOffline  ResourceStatus = "offline"
	StatusUnknown  ResourceStatus = "unknown"
)

// Resource is a monitored entity. Rows are created by management operations
// and mutated by every ingested sample (status, last seen). Deactivation is
// logical; historical samples keep referencing the row.
type Resource struct {
	ID        string       `gorm:"primaryKey;size:64" json:"id"`
	AccountID string       `gorm:"size:64;not null;index" json:"account_id"`
	Kind      ResourceKind `gorm:"size:20;not null" json:"kind"`
	Name      string       `gorm:"size:255;not null" json:"name"`

	Status ResourceStatus `gorm:"size:20;default:unknown" json:"status"`
	// StatusObservedAt is the timestamp of the sample the current status was
	// derived from. Out-of-order arrivals must never move it backwards.
	StatusObservedAt *time.Time `json:"status_observed_at,omitempty"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`

	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Resource) TableName() string {
	return "resources"
}

// APIKey authenticates an ingest producer and maps it to an owner account.
type APIKey struct {
	ID        uint32     `gorm:"primaryKey" json:"id"`
	Key       string     `gorm:"size:128;uniqueIndex;not null" json:"key"`
	AccountID string     `gorm:"size:64;not null;index" json:"account_id"`
	Label     string     `gorm:"size:255" json:"label"`
	Revoked   bool       `gorm:"default:false" json:"revoked"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
