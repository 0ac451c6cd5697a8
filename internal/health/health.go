// Package health derives and persists the current status of a resource from
// its ingested samples.
package health

import (
	"context"
	"sync"
	"time"

	"ankercloud/internal/apperr"
	"ankercloud/internal/models"

	"gorm.io/gorm"
)

// Usage thresholds for server status banding.
const (
	criticalUsagePercent = 90
	warningUsagePercent  = 75
)

// DeriveStatus computes a resource's status from one sample. Pure function:
// no clock, no storage. Servers band on cpu/memory/disk usage; the other
// kinds go offline the moment availability is false.
func DeriveStatus(kind models.ResourceKind, sample models.Sample) models.ResourceStatus {
	if kind != models.KindServer {
		if !sample.Available() {
			return models.StatusOffline
		}
		return models.StatusOnline
	}

	metrics := sample.Metrics()
	usage := []float64{
		metrics["cpuUsagePercent"],
		metrics["memoryUsagePercent"],
		metrics["diskUsagePercent"],
	}
	status := models.StatusOnline
	for _, v := range usage {
		if v > criticalUsagePercent {
			return models.StatusCritical
		}
		if v > warningUsagePercent {
			status = models.StatusWarning
		}
	}
	return status
}

// Register persists derived status. Writes for a single resource are
// serialized on a per-resource entry so an out-of-order sample can never
// overwrite status derived from a newer one; different resources proceed in
// parallel.
type Register struct {
	db *gorm.DB

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu sync.Mutex
	// derivedAt is the timestamp of the sample the persisted status was
	// derived from; lastSeen only ever advances.
	derivedAt time.Time
	lastSeen  time.Time
	loaded    bool
}

func NewRegister(db *gorm.DB) *Register {
	return &Register{db: db, entries: make(map[string]*entry)}
}

func (r *Register) entryFor(resourceID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[resourceID]
	if !ok {
		e = &entry{}
		r.entries[resourceID] = e
	}
	return e
}

// Update derives status from the sample and writes it through, returning the
// status now on record for the resource. Safe to retry: replaying the same
// sample leaves the row unchanged.
func (r *Register) Update(ctx context.Context, res *models.Resource, sample models.Sample) (models.ResourceStatus, error) {
	e := r.entryFor(res.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		// First touch since startup: seed from the persisted row.
		if res.StatusObservedAt != nil {
			e.derivedAt = *res.StatusObservedAt
		}
		if res.LastSeenAt != nil {
			e.lastSeen = *res.LastSeenAt
		}
		e.loaded = true
	}

	observed := sample.GetTimestamp()
	updates := make(map[string]any)

	if observed.After(e.lastSeen) {
		e.lastSeen = observed
		updates["last_seen_at"] = observed
	}

	status := models.ResourceStatus("")
	if !observed.Before(e.derivedAt) {
		status = DeriveStatus(res.Kind, sample)
		e.derivedAt = observed
		updates["status"] = status
		updates["status_observed_at"] = observed
	}

	if len(updates) > 0 {
		if err := r.db.WithContext(ctx).Model(&models.Resource{}).
			Where("id = ?", res.ID).
			Updates(updates).Error; err != nil {
			return "", apperr.Storage("failed to update resource status", err)
		}
	}

	if status == "" {
		// Older than what we already derived from; report the standing status.
		return res.Status, nil
	}
	return status, nil
}

// StatusFor resolves the presented status of a resource at query time: the
// persisted status while a sample is fresh, unknown once the last seen
// sample ages past the horizon.
func StatusFor(res *models.Resource, freshness time.Duration, now time.Time) models.ResourceStatus {
	if res.LastSeenAt == nil || now.Sub(*res.LastSeenAt) > freshness {
		return models.StatusUnknown
	}
	return res.Status
}
