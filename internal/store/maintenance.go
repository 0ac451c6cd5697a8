package store

import (
	"context"
	"time"

	"ankercloud/internal/logger"
	"ankercloud/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Maintainer owns the two background jobs that keep the store lean: folding
// raw samples into persisted rollup buckets, and purging rows past their
// retention horizon. Neither runs on the ingest hot path.
type Maintainer struct {
	db    *gorm.DB
	store *Store

	rollupWidth     time.Duration
	rollupInterval  time.Duration
	rawRetention    time.Duration
	rollupRetention time.Duration
	sweepInterval   time.Duration

	now func() time.Time
}

func NewMaintainer(db *gorm.DB, st *Store, rollupWidth, rollupInterval, rawRetention, rollupRetention, sweepInterval time.Duration) *Maintainer {
	return &Maintainer{
		db:              db,
		store:           st,
		rollupWidth:     rollupWidth,
		rollupInterval:  rollupInterval,
		rawRetention:    rawRetention,
		rollupRetention: rollupRetention,
		sweepInterval:   sweepInterval,
		now:             time.Now,
	}
}

// Run blocks until ctx is cancelled, driving both jobs on their tickers.
func (m *Maintainer) Run(ctx context.Context) {
	rollup := time.NewTicker(m.rollupInterval)
	defer rollup.Stop()
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rollup.C:
			if err := m.RollupOnce(ctx); err != nil {
				logger.Warn("rollup pass failed", zap.Error(err))
			}
		case <-sweep.C:
			if err := m.SweepOnce(ctx); err != nil {
				logger.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// RollupOnce recomputes rollup buckets for the most recent complete window
// of every active resource. Rollups are derived data: recomputing an
// existing bucket replaces it, so the pass is safe to repeat.
func (m *Maintainer) RollupOnce(ctx context.Context) error {
	var resources []models.Resource
	if err := m.db.WithContext(ctx).Where("active = ?", true).Find(&resources).Error; err != nil {
		return err
	}

	// Roll up the last complete bucket plus one earlier bucket to absorb
	// late out-of-order arrivals.
	end := m.now().Truncate(m.rollupWidth)
	start := end.Add(-2 * m.rollupWidth)

	for i := range resources {
		res := &resources[i]
		buckets, err := m.store.QueryRange(ctx, res.ID, res.Kind, start, end.Add(-time.Nanosecond), m.rollupWidth, nil)
		if err != nil {
			logger.Warn("rollup query failed",
				zap.String("resource_id", res.ID),
				zap.Error(err))
			continue
		}
		for _, b := range buckets {
			if err := m.persistBucket(ctx, res.ID, b); err != nil {
				logger.Warn("rollup persist failed",
					zap.String("resource_id", res.ID),
					zap.Time("bucket", b.Start),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (m *Maintainer) persistBucket(ctx context.Context, resourceID string, b Bucket) error {
	width := int(m.rollupWidth / time.Second)
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for metric, agg := range b.Metrics {
			if err := tx.Where("resource_id = ? AND metric = ? AND bucket_start = ? AND bucket_seconds = ?",
				resourceID, metric, b.Start, width).
				Delete(&models.MetricRollup{}).Error; err != nil {
				return err
			}
			row := models.MetricRollup{
				ResourceID:    resourceID,
				Metric:        metric,
				BucketStart:   b.Start,
				BucketSeconds: width,
				Avg:           agg.Avg,
				Min:           agg.Min,
				Max:           agg.Max,
				Count:         agg.Count,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepOnce deletes raw samples and rollups past their retention horizons.
func (m *Maintainer) SweepOnce(ctx context.Context) error {
	now := m.now()
	rawCutoff := now.Add(-m.rawRetention)
	rollupCutoff := now.Add(-m.rollupRetention)

	db := m.db.WithContext(ctx)
	for _, model := range []any{
		&models.ServerSample{},
		&models.WebsiteSample{},
		&models.NetworkSample{},
		&models.DatabaseSample{},
	} {
		if err := db.Where("timestamp < ?", rawCutoff).Delete(model).Error; err != nil {
			return err
		}
	}
	if err := db.Where("bucket_start < ?", rollupCutoff).Delete(&models.MetricRollup{}).Error; err != nil {
		return err
	}

	logger.Info("retention sweep completed",
		zap.Time("raw_cutoff", rawCutoff),
		zap.Time("rollup_cutoff", rollupCutoff))
	return nil
}
