package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ankercloud/internal/apperr"
	"ankercloud/internal/models"

	"gorm.io/gorm"
)

// maxIncidentListSize caps incident listings.
const maxIncidentListSize = 100

// IncidentService exposes the human side of the incident lifecycle:
// listing, acknowledge, resolve. All operations are scoped to the caller's
// account unless it holds the admin capability.
type IncidentService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewIncidentService(db *gorm.DB) *IncidentService {
	return &IncidentService{db: db, now: time.Now}
}

type IncidentFilter struct {
	State      models.IncidentState
	Severity   models.IncidentSeverity
	ResourceID string
}

// List returns incidents newest first, capped at 100.
func (s *IncidentService) List(ctx context.Context, accountID string, admin bool, filter IncidentFilter) ([]models.Incident, error) {
	q := s.db.WithContext(ctx).Model(&models.Incident{}).
		Joins("JOIN alert_policies ON alert_policies.id = incidents.policy_id").
		Order("incidents.triggered_at DESC").
		Limit(maxIncidentListSize)

	if !admin {
		q = q.Where("alert_policies.account_id = ?", accountID)
	}
	if filter.State != "" {
		q = q.Where("incidents.state = ?", filter.State)
	}
	if filter.Severity != "" {
		q = q.Where("incidents.severity = ?", filter.Severity)
	}
	if filter.ResourceID != "" {
		q = q.Where("incidents.resource_id = ?", filter.ResourceID)
	}

	var incidents []models.Incident
	if err := q.Find(&incidents).Error; err != nil {
		return nil, apperr.Storage("failed to list incidents", err)
	}
	return incidents, nil
}

// Get loads one incident with its history, enforcing ownership.
func (s *IncidentService) Get(ctx context.Context, accountID string, admin bool, id uint32) (*models.Incident, error) {
	incident, err := s.owned(ctx, accountID, admin, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("incident_id = ?", id).
		Order("created_at ASC").
		Find(&incident.Events).Error; err != nil {
		return nil, apperr.Storage("failed to load incident history", err)
	}
	return incident, nil
}

// Acknowledge moves an active incident to acknowledged. Only valid from
// active; anything else is a PreconditionFailed no-op.
func (s *IncidentService) Acknowledge(ctx context.Context, accountID string, admin bool, id uint32, notes string) (*models.Incident, error) {
	incident, err := s.owned(ctx, accountID, admin, id)
	if err != nil {
		return nil, err
	}
	if incident.State != models.IncidentActive {
		return nil, apperr.PreconditionFailed(
			fmt.Sprintf("cannot acknowledge incident in state %q", incident.State))
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(incident).Updates(map[string]any{
			"state":           models.IncidentAcknowledged,
			"acknowledged_at": now,
			"acknowledged_by": accountID,
		}).Error; err != nil {
			return err
		}
		event := models.IncidentEvent{
			IncidentID: incident.ID,
			Action:     "acknowledged",
			Actor:      accountID,
			Value:      incident.LastValue,
			Notes:      notes,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, apperr.Storage("failed to acknowledge incident", err)
	}

	incident.State = models.IncidentAcknowledged
	incident.AcknowledgedAt = &now
	incident.AcknowledgedBy = accountID
	return incident, nil
}

// Resolve closes an incident from active or acknowledged. Resolved is
// terminal: resolving again fails with PreconditionFailed and leaves
// resolved_at untouched.
func (s *IncidentService) Resolve(ctx context.Context, accountID string, admin bool, id uint32, notes string) (*models.Incident, error) {
	incident, err := s.owned(ctx, accountID, admin, id)
	if err != nil {
		return nil, err
	}
	if !incident.Open() {
		return nil, apperr.PreconditionFailed(
			fmt.Sprintf("cannot resolve incident in state %q", incident.State))
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(incident).Updates(map[string]any{
			"state":       models.IncidentResolved,
			"resolved_at": now,
			"resolved_by": accountID,
		}).Error; err != nil {
			return err
		}
		event := models.IncidentEvent{
			IncidentID: incident.ID,
			Action:     "resolved",
			Actor:      accountID,
			Value:      incident.LastValue,
			Notes:      notes,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, apperr.Storage("failed to resolve incident", err)
	}

	incident.State = models.IncidentResolved
	incident.ResolvedAt = &now
	incident.ResolvedBy = accountID
	return incident, nil
}

func (s *IncidentService) owned(ctx context.Context, accountID string, admin bool, id uint32) (*models.Incident, error) {
	var incident models.Incident
	err := s.db.WithContext(ctx).First(&incident, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("incident not found")
	}
	if err != nil {
		return nil, apperr.Storage("failed to load incident", err)
	}

	if !admin {
		var policy models.AlertPolicy
		if err := s.db.WithContext(ctx).First(&policy, incident.PolicyID).Error; err != nil {
			return nil, apperr.Storage("failed to load incident policy", err)
		}
		if policy.AccountID != accountID {
			// Not owned: indistinguishable from absent.
			return nil, apperr.NotFound("incident not found")
		}
	}
	return &incident, nil
}
