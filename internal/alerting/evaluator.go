// Package alerting evaluates alert policies against ingested samples and
// drives the incident lifecycle. Incidents auto-resolve when the triggering
// condition clears; manual acknowledge/resolve remain available and an
// explicit resolve wins over a later auto-resolve (resolved is terminal).
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"ankercloud/internal/logger"
	"ankercloud/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Evaluator struct {
	db            *gorm.DB
	notifyTimeout time.Duration

	mu     sync.Mutex
	states map[string]*resourceState

	now         func() time.Time
	newNotifier func(channelType string, config map[string]any) (Notifier, error)
}

// resourceState serializes evaluation per resource and carries the
// condition-met-since tracking for each of its policies.
type resourceState struct {
	mu    sync.Mutex
	since map[uint32]time.Time
}

func NewEvaluator(db *gorm.DB, notifyTimeout time.Duration) *Evaluator {
	return &Evaluator{
		db:            db,
		notifyTimeout: notifyTimeout,
		states:        make(map[string]*resourceState),
		now:           time.Now,
		newNotifier:   NewNotifier,
	}
}

func (e *Evaluator) stateFor(resourceID string) *resourceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[resourceID]
	if !ok {
		st = &resourceState{since: make(map[uint32]time.Time)}
		e.states[resourceID] = st
	}
	return st
}

// Compare applies a policy operator to a sample value.
func Compare(value float64, op models.PolicyOperator, threshold float64) bool {
	switch op {
	case models.OpGT:
		return value > threshold
	case models.OpLT:
		return value < threshold
	case models.OpEQ:
		return value == threshold
	case models.OpNE:
		return value != threshold
	case models.OpGTE:
		return value >= threshold
	case models.OpLTE:
		return value <= threshold
	}
	return false
}

// Evaluate runs every enabled policy of the resource against one sample.
// Called from the ingest path after the sample is durable; failures here are
// the caller's to log, never to surface.
func (e *Evaluator) Evaluate(ctx context.Context, res *models.Resource, sample models.Sample) error {
	var policies []models.AlertPolicy
	if err := e.db.WithContext(ctx).
		Where("resource_id = ? AND enabled = ?", res.ID, true).
		Find(&policies).Error; err != nil {
		return err
	}
	if len(policies) == 0 {
		return nil
	}

	metrics := sample.Metrics()
	ts := sample.GetTimestamp()

	st := e.stateFor(res.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var firstErr error
	for i := range policies {
		policy := &policies[i]
		value, ok := metrics[policy.MetricName]
		if !ok {
			continue
		}

		if Compare(value, policy.Operator, policy.Threshold) {
			since, tracked := st.since[policy.ID]
			if !tracked {
				since = ts
				st.since[policy.ID] = since
			}
			held := ts.Sub(since)
			if held >= time.Duration(policy.DurationSeconds)*time.Second {
				if err := e.recordViolation(ctx, res, policy, value, ts); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		} else {
			delete(st.since, policy.ID)
			if err := e.clearCondition(ctx, res, policy, value, ts); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// recordViolation opens an incident unless one is already open for the
// (policy, resource) pair; repeat violations only refresh the last observed
// value.
func (e *Evaluator) recordViolation(ctx context.Context, res *models.Resource, policy *models.AlertPolicy, value float64, ts time.Time) error {
	open, err := e.openIncident(ctx, policy.ID, res.ID)
	if err != nil {
		return err
	}
	if open != nil {
		return e.db.WithContext(ctx).Model(open).Update("last_value", value).Error
	}

	incident := models.Incident{
		PolicyID:       policy.ID,
		ResourceID:     res.ID,
		State:          models.IncidentActive,
		Severity:       policy.Severity,
		MetricName:     policy.MetricName,
		TriggeredValue: value,
		LastValue:      value,
		TriggeredAt:    ts,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&incident).Error; err != nil {
			return err
		}
		event := models.IncidentEvent{
			IncidentID: incident.ID,
			Action:     "triggered",
			Actor:      "system",
			Value:      value,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return err
	}

	logger.Warn("incident opened",
		zap.Uint32("incident_id", incident.ID),
		zap.String("resource_id", res.ID),
		zap.String("metric", policy.MetricName),
		zap.Float64("value", value))

	e.notifyAsync(res, policy, &incident, "incident opened")
	return nil
}

// clearCondition auto-resolves an open incident once its condition stops
// holding.
func (e *Evaluator) clearCondition(ctx context.Context, res *models.Resource, policy *models.AlertPolicy, value float64, ts time.Time) error {
	open, err := e.openIncident(ctx, policy.ID, res.ID)
	if err != nil || open == nil {
		return err
	}

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(open).Updates(map[string]any{
			"state":       models.IncidentResolved,
			"resolved_at": now,
			"resolved_by": "system",
			"last_value":  value,
		}).Error; err != nil {
			return err
		}
		event := models.IncidentEvent{
			IncidentID: open.ID,
			Action:     "auto_resolved",
			Actor:      "system",
			Value:      value,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return err
	}

	logger.Info("incident auto-resolved",
		zap.Uint32("incident_id", open.ID),
		zap.String("resource_id", res.ID),
		zap.Float64("value", value))

	e.notifyAsync(res, policy, open, "incident resolved")
	return nil
}

func (e *Evaluator) openIncident(ctx context.Context, policyID uint32, resourceID string) (*models.Incident, error) {
	var incident models.Incident
	err := e.db.WithContext(ctx).
		Where("policy_id = ? AND resource_id = ? AND state IN ?",
			policyID, resourceID,
			[]models.IncidentState{models.IncidentActive, models.IncidentAcknowledged}).
		First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// notifyAsync fans the transition out to the policy's channels. Best
// effort: delivery failures are logged, never propagated.
func (e *Evaluator) notifyAsync(res *models.Resource, policy *models.AlertPolicy, incident *models.Incident, action string) {
	var channelIDs []uint32
	if policy.ChannelIDs != "" {
		if err := json.Unmarshal([]byte(policy.ChannelIDs), &channelIDs); err != nil {
			logger.Warn("invalid channel list on policy",
				zap.Uint32("policy_id", policy.ID),
				zap.Error(err))
			return
		}
	}
	if len(channelIDs) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()

		var channels []models.NotificationChannel
		if err := e.db.WithContext(ctx).
			Where("id IN ? AND enabled = ?", channelIDs, true).
			Find(&channels).Error; err != nil {
			logger.Warn("failed to load notification channels", zap.Error(err))
			return
		}

		title, message := FormatIncidentMessage(res, policy, incident, action)
		for _, channel := range channels {
			var config map[string]any
			if err := json.Unmarshal([]byte(channel.Config), &config); err != nil {
				logger.Warn("invalid channel config",
					zap.Uint32("channel_id", channel.ID),
					zap.Error(err))
				continue
			}
			notifier, err := e.newNotifier(channel.Type, config)
			if err != nil {
				logger.Warn("failed to build notifier",
					zap.Uint32("channel_id", channel.ID),
					zap.Error(err))
				continue
			}
			if err := notifier.Send(ctx, title, message); err != nil {
				logger.Warn("notification delivery failed",
					zap.Uint32("channel_id", channel.ID),
					zap.Uint32("incident_id", incident.ID),
					zap.Error(err))
			}
		}
	}()
}
