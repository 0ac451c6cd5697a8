package models

import "time"

// PolicyOperator is the comparison applied between a sample value and the
// policy threshold.
type PolicyOperator string

const (
	OpGT  PolicyOperator = "gt"
	OpLT  PolicyOperator = "lt"
	OpEQ  PolicyOperator = "eq"
	OpNE  PolicyOperator = "ne"
	OpGTE PolicyOperator = "gte"
	OpLTE PolicyOperator = "lte"
)

// ValidOperator reports whether op is a supported comparison operator.
func ValidOperator(op PolicyOperator) bool {
	switch op {
	case OpGT, OpLT, OpEQ, OpNE, OpGTE, OpLTE:
		return true
	}
	return false
}

type IncidentSeverity string

const (
	SeverityCritical IncidentSeverity = "critical"
	SeverityHigh     IncidentSeverity = "high"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityLow      IncidentSeverity = "low"
)

// AlertPolicy is a per-resource alerting rule evaluated on every sample.
type AlertPolicy struct {
	ID         uint32           `gorm:"primaryKey" json:"id"`
	AccountID  string           `gorm:"size:64;not null;index" json:"account_id"`
	ResourceID string           `gorm:"size:64;not null;index" json:"resource_id"`
	Name       string           `gorm:"size:255" json:"name"`
	MetricName string           `gorm:"size:64;not null" json:"metric_name"`
	Operator   PolicyOperator   `gorm:"size:8;not null" json:"operator"`
	Threshold  float64          `gorm:"not null" json:"threshold"`
	// DurationSeconds is how long the condition must hold continuously
	// before an incident opens. Zero opens on first violation.
	DurationSeconds int              `gorm:"default:0" json:"duration_seconds"`
	Severity        IncidentSeverity `gorm:"size:20;default:medium" json:"severity"`
	Enabled         bool             `gorm:"default:true" json:"enabled"`
	ChannelIDs      string           `gorm:"type:text" json:"channel_ids"` // JSON array of notification channel IDs
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (AlertPolicy) TableName() string {
	return "alert_policies"
}

type IncidentState string

const (
	IncidentActive       IncidentState = "active"
	IncidentAcknowledged IncidentState = "acknowledged"
	IncidentResolved     IncidentState = "resolved"
)

// Incident is one lifecycle instance of a policy violation. At most one
// open (active or acknowledged) incident exists per (policy, resource);
// resolved is terminal and a later violation opens a new row. The current
// fields are a cached view of the incident_events history.
type Incident struct {
	ID         uint32           `gorm:"primaryKey" json:"id"`
	PolicyID   uint32           `gorm:"not null;index:idx_incidents_policy_res,priority:1" json:"policy_id"`
	ResourceID string           `gorm:"size:64;not null;index:idx_incidents_policy_res,priority:2" json:"resource_id"`
	State      IncidentState    `gorm:"size:20;not null;index" json:"state"`
	Severity   IncidentSeverity `gorm:"size:20" json:"severity"`
	MetricName string           `gorm:"size:64" json:"metric_name"`

	TriggeredValue float64   `json:"triggered_value"`
	LastValue      float64   `json:"last_value"`
	TriggeredAt    time.Time `gorm:"index" json:"triggered_at"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `gorm:"size:64" json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `gorm:"size:64" json:"resolved_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Events []IncidentEvent `gorm:"foreignKey:IncidentID" json:"events,omitempty"`
}

func (Incident) TableName() string {
	return "incidents"
}

// Open reports whether the incident still demands attention.
func (i *Incident) Open() bool {
	return i.State == IncidentActive || i.State == IncidentAcknowledged
}

// IncidentEvent is one immutable entry in an incident's history log.
type IncidentEvent struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	IncidentID uint32    `gorm:"not null;index" json:"incident_id"`
	Action     string    `gorm:"size:32;not null" json:"action"` // triggered, retriggered, acknowledged, resolved, auto_resolved
	Actor      string    `gorm:"size:64" json:"actor"`           // account id, or "system"
	Value      float64   `json:"value"`
	Notes      string    `gorm:"type:text" json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}

func (IncidentEvent) TableName() string {
	return "incident_events"
}

// NotificationChannel is a delivery target invoked when an incident
// transitions state.
type NotificationChannel struct {
	ID        uint32    `gorm:"primaryKey" json:"id"`
	AccountID string    `gorm:"size:64;not null;index" json:"account_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Type      string    `gorm:"size:50;not null" json:"type"` // email, webhook
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	Config    string    `gorm:"type:text;not null" json:"config"` // JSON string
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (NotificationChannel) TableName() string {
	return "notification_channels"
}
