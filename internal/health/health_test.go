package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ankercloud/internal/database"
	"ankercloud/internal/models"

	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: "sqlite",
		DBName: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func serverSample(ts time.Time, cpu, mem, disk float64) models.Sample {
	return models.NewServerSample("srv-1", ts, models.ServerMetrics{
		CPUUsagePercent:    cpu,
		MemoryUsagePercent: mem,
		DiskUsagePercent:   disk,
		MemoryTotalMB:      16384,
		DiskTotalMB:        512000,
	})
}

func TestDeriveStatusServerBands(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name           string
		cpu, mem, disk float64
		want           models.ResourceStatus
	}{
		{"all low", 10, 20, 30, models.StatusOnline},
		{"cpu warning", 76, 20, 30, models.StatusWarning},
		{"memory warning", 10, 80, 30, models.StatusWarning},
		{"cpu critical", 95, 20, 30, models.StatusCritical},
		{"disk critical", 10, 20, 91, models.StatusCritical},
		{"critical beats warning", 95, 80, 30, models.StatusCritical},
		{"boundary warning not crossed", 75, 75, 75, models.StatusOnline},
		{"boundary critical not crossed", 90, 10, 10, models.StatusWarning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(models.KindServer, serverSample(ts, tc.cpu, tc.mem, tc.disk))
			if got != tc.want {
				t.Fatalf("DeriveStatus(cpu=%v mem=%v disk=%v) = %v, want %v",
					tc.cpu, tc.mem, tc.disk, got, tc.want)
			}
		})
	}
}

func TestDeriveStatusAvailabilityKinds(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	up := models.NewWebsiteSample("web-1", ts, models.WebsiteMetrics{StatusCode: 200, Available: true})
	if got := DeriveStatus(models.KindWebsite, up); got != models.StatusOnline {
		t.Fatalf("available website = %v, want online", got)
	}

	down := models.NewWebsiteSample("web-1", ts, models.WebsiteMetrics{StatusCode: 0, Available: false})
	if got := DeriveStatus(models.KindWebsite, down); got != models.StatusOffline {
		t.Fatalf("unavailable website = %v, want offline", got)
	}

	lossy := models.NewNetworkSample("net-1", ts, models.NetworkMetrics{LatencyMs: 400, PacketLossPercent: 60, Available: true})
	if got := DeriveStatus(models.KindNetwork, lossy); got != models.StatusOnline {
		t.Fatalf("reachable network = %v, want online regardless of latency", got)
	}
}

func TestRegisterIgnoresOutOfOrderStatus(t *testing.T) {
	db := openTestDB(t)
	res := &models.Resource{ID: "srv-1", AccountID: "acc-1", Kind: models.KindServer, Name: "web server", Active: true}
	if err := db.Create(res).Error; err != nil {
		t.Fatalf("create resource: %v", err)
	}

	r := NewRegister(db)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Newer critical sample lands first.
	status, err := r.Update(ctx, res, serverSample(base.Add(time.Minute), 95, 10, 10))
	if err != nil {
		t.Fatalf("update newer: %v", err)
	}
	if status != models.StatusCritical {
		t.Fatalf("newer sample status = %v, want critical", status)
	}

	// The older healthy sample must not overwrite it.
	status, err = r.Update(ctx, res, serverSample(base, 10, 10, 10))
	if err != nil {
		t.Fatalf("update older: %v", err)
	}
	if status != models.StatusCritical {
		t.Fatalf("after stale sample status = %v, want critical kept", status)
	}

	var stored models.Resource
	if err := db.First(&stored, "id = ?", "srv-1").Error; err != nil {
		t.Fatalf("reload resource: %v", err)
	}
	if stored.Status != models.StatusCritical {
		t.Fatalf("persisted status = %v, want critical", stored.Status)
	}
	if stored.StatusObservedAt == nil || !stored.StatusObservedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("status_observed_at = %v, want %v", stored.StatusObservedAt, base.Add(time.Minute))
	}
	// last_seen_at still reflects the newest arrival.
	if stored.LastSeenAt == nil || !stored.LastSeenAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("last_seen_at = %v, want %v", stored.LastSeenAt, base.Add(time.Minute))
	}
}

func TestRegisterSeedsFromPersistedRow(t *testing.T) {
	db := openTestDB(t)
	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	res := &models.Resource{
		ID: "srv-2", AccountID: "acc-1", Kind: models.KindServer, Name: "db host",
		Status: models.StatusCritical, StatusObservedAt: &observed, LastSeenAt: &observed,
		Active: true,
	}
	if err := db.Create(res).Error; err != nil {
		t.Fatalf("create resource: %v", err)
	}

	// Fresh register (as after a restart): an older sample must still lose.
	r := NewRegister(db)
	status, err := r.Update(context.Background(), res, serverSample(observed.Add(-time.Minute), 5, 5, 5))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if status != models.StatusCritical {
		t.Fatalf("status after restart replay = %v, want critical kept", status)
	}
}

func TestStatusForFreshness(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	freshness := 5 * time.Minute

	seen := now.Add(-time.Minute)
	res := &models.Resource{Status: models.StatusOnline, LastSeenAt: &seen}
	if got := StatusFor(res, freshness, now); got != models.StatusOnline {
		t.Fatalf("fresh resource = %v, want online", got)
	}

	stale := now.Add(-6 * time.Minute)
	res.LastSeenAt = &stale
	if got := StatusFor(res, freshness, now); got != models.StatusUnknown {
		t.Fatalf("stale resource = %v, want unknown", got)
	}

	if got := StatusFor(&models.Resource{Status: models.StatusOnline}, freshness, now); got != models.StatusUnknown {
		t.Fatalf("never seen resource = %v, want unknown", got)
	}
}
