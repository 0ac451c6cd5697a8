// Package store is the time-series layer: append-only raw samples per
// resource kind, bucketed range queries, and the latest-sample lookup the
// health and live-feed paths depend on.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ankercloud/internal/apperr"
	"ankercloud/internal/models"

	"gorm.io/gorm"
)

// ErrNoData is returned by Latest when a resource has no sample within the
// freshness horizon. Older data may still exist; it is considered stale.
var ErrNoData = errors.New("no sample within freshness horizon")

type Store struct {
	db        *gorm.DB
	freshness time.Duration
	// rawRetention marks where raw rows stop being authoritative: range
	// queries reaching past it are served from persisted rollups instead.
	rawRetention time.Duration
	now          func() time.Time
}

func New(db *gorm.DB, freshness, rawRetention time.Duration) *Store {
	return &Store{db: db, freshness: freshness, rawRetention: rawRetention, now: time.Now}
}

// Append durably records one immutable sample row. Duplicate timestamps are
// retained, never rejected; validation happened at the gateway.
func (s *Store) Append(ctx context.Context, sample models.Sample) error {
	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		return apperr.Storage("failed to store sample", err)
	}
	return nil
}

// Latest returns the most recent sample by timestamp, or ErrNoData when the
// newest one is older than the freshness horizon.
func (s *Store) Latest(ctx context.Context, resourceID string, kind models.ResourceKind) (models.Sample, error) {
	sample, err := s.latestRow(ctx, resourceID, kind)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoData
		}
		return nil, apperr.Storage("failed to load latest sample", err)
	}
	if s.now().Sub(sample.GetTimestamp()) > s.freshness {
		return nil, ErrNoData
	}
	return sample, nil
}

func (s *Store) latestRow(ctx context.Context, resourceID string, kind models.ResourceKind) (models.Sample, error) {
	q := s.db.WithContext(ctx).Where("resource_id = ?", resourceID).Order("timestamp DESC")

	switch kind {
	case models.KindServer:
		var row models.ServerSample
		if err := q.First(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	case models.KindWebsite:
		var row models.WebsiteSample
		if err := q.First(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	case models.KindNetwork:
		var row models.NetworkSample
		if err := q.First(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	case models.KindDatabase:
		var row models.DatabaseSample
		if err := q.First(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	return nil, fmt.Errorf("unsupported resource kind: %s", kind)
}

// Aggregate is one metric's rollup within a bucket.
type Aggregate struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// Bucket is one time-bucketed row of a range query, ascending by Start.
type Bucket struct {
	Start   time.Time            `json:"bucket_start"`
	Metrics map[string]Aggregate `json:"metrics"`
}

// QueryRange returns bucketed aggregates covering [start, end], ascending by
// time. start > end yields an empty result, not an error. An empty metrics
// filter aggregates every numeric metric the kind reports.
//
// The recent part of the window is bucketed in Go over raw rows fetched in
// timestamp order, which keeps the query portable across the
// sqlite/mysql/postgres dialects. The part older than the raw retention
// horizon is served from persisted rollups at their stored granularity,
// since the raw rows there are already swept or about to be.
func (s *Store) QueryRange(ctx context.Context, resourceID string, kind models.ResourceKind, start, end time.Time, bucketWidth time.Duration, metrics []string) ([]Bucket, error) {
	if !start.Before(end) && !start.Equal(end) {
		return nil, nil
	}
	if bucketWidth <= 0 {
		bucketWidth = 5 * time.Minute
	}

	wanted := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		wanted[m] = true
	}

	rawStart := start
	var rolled []Bucket
	if s.rawRetention > 0 {
		if horizon := s.now().Add(-s.rawRetention); start.Before(horizon) {
			var err error
			rolled, err = s.rollupBuckets(ctx, resourceID, start, minTime(end, horizon), wanted)
			if err != nil {
				return nil, apperr.Storage("failed to query rollups", err)
			}
			rawStart = horizon
		}
	}

	rows, err := s.samplesIn(ctx, resourceID, kind, rawStart, end)
	if err != nil {
		return nil, apperr.Storage("failed to query samples", err)
	}

	type acc struct {
		sum, min, max float64
		count         int64
	}
	byBucket := make(map[int64]map[string]*acc)
	var order []int64

	for _, row := range rows {
		bucket := row.GetTimestamp().Truncate(bucketWidth).Unix()
		slot, ok := byBucket[bucket]
		if !ok {
			slot = make(map[string]*acc)
			byBucket[bucket] = slot
			order = append(order, bucket)
		}
		for name, value := range row.Metrics() {
			if len(wanted) > 0 && !wanted[name] {
				continue
			}
			a, ok := slot[name]
			if !ok {
				a = &acc{min: value, max: value}
				slot[name] = a
			}
			if value < a.min {
				a.min = value
			}
			if value > a.max {
				a.max = value
			}
			a.sum += value
			a.count++
		}
	}

	// Rows arrive in timestamp order, so bucket discovery order is already
	// ascending.
	result := make([]Bucket, 0, len(rolled)+len(order))
	result = append(result, rolled...)
	for _, bucket := range order {
		out := Bucket{Start: time.Unix(bucket, 0).UTC(), Metrics: make(map[string]Aggregate)}
		for name, a := range byBucket[bucket] {
			out.Metrics[name] = Aggregate{
				Avg:   a.sum / float64(a.count),
				Min:   a.min,
				Max:   a.max,
				Count: a.count,
			}
		}
		result = append(result, out)
	}
	if len(rolled) > 0 {
		sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
	}
	return result, nil
}

// rollupBuckets reads persisted rollup rows covering [start, end] and folds
// them back into query buckets.
func (s *Store) rollupBuckets(ctx context.Context, resourceID string, start, end time.Time, wanted map[string]bool) ([]Bucket, error) {
	if !start.Before(end) {
		return nil, nil
	}

	var rows []models.MetricRollup
	q := s.db.WithContext(ctx).
		Where("resource_id = ? AND bucket_start >= ? AND bucket_start < ?", resourceID, start, end).
		Order("bucket_start ASC")
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	var out []Bucket
	byStart := make(map[int64]int)
	for _, row := range rows {
		if len(wanted) > 0 && !wanted[row.Metric] {
			continue
		}
		key := row.BucketStart.Unix()
		idx, ok := byStart[key]
		if !ok {
			idx = len(out)
			byStart[key] = idx
			out = append(out, Bucket{Start: row.BucketStart.UTC(), Metrics: make(map[string]Aggregate)})
		}
		out[idx].Metrics[row.Metric] = Aggregate{
			Avg:   row.Avg,
			Min:   row.Min,
			Max:   row.Max,
			Count: row.Count,
		}
	}
	return out, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func (s *Store) samplesIn(ctx context.Context, resourceID string, kind models.ResourceKind, start, end time.Time) ([]models.Sample, error) {
	q := s.db.WithContext(ctx).
		Where("resource_id = ? AND timestamp >= ? AND timestamp <= ?", resourceID, start, end).
		Order("timestamp ASC")

	var out []models.Sample
	switch kind {
	case models.KindServer:
		var rows []models.ServerSample
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case models.KindWebsite:
		var rows []models.WebsiteSample
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case models.KindNetwork:
		var rows []models.NetworkSample
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	case models.KindDatabase:
		var rows []models.DatabaseSample
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, &rows[i])
		}
	default:
		return nil, fmt.Errorf("unsupported resource kind: %s", kind)
	}
	return out, nil
}
