package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"ankercloud/internal/alerting"
	"ankercloud/internal/apperr"
	"ankercloud/internal/database"
	"ankercloud/internal/feed"
	"ankercloud/internal/health"
	"ankercloud/internal/models"
	"ankercloud/internal/store"

	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	store   *store.Store
	hub     *feed.Hub
	gateway *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: "sqlite",
		DBName: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	st := store.New(db, 5*time.Minute, 7*24*time.Hour)
	hub := feed.NewHub(8)
	t.Cleanup(hub.Close)
	evaluator := alerting.NewEvaluator(db, time.Second)
	gateway := NewGateway(db, st, health.NewRegister(db), hub, evaluator, nil)

	return &fixture{db: db, store: st, hub: hub, gateway: gateway}
}

func (f *fixture) seedServer(t *testing.T) *models.Resource {
	t.Helper()
	res := &models.Resource{ID: "srv-1", AccountID: "acc-1", Kind: models.KindServer, Name: "api host", Active: true}
	if err := f.db.Create(res).Error; err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return res
}

func serverPush(t *testing.T, ts time.Time, m models.ServerMetrics) Push {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal metrics: %v", err)
	}
	return Push{
		ResourceID: "srv-1",
		Metrics:    raw,
		Timestamp:  ts.Format(time.RFC3339),
	}
}

func TestIngestRunsFullPipeline(t *testing.T) {
	f := newFixture(t)
	f.seedServer(t)

	policy := models.AlertPolicy{
		AccountID: "acc-1", ResourceID: "srv-1", Name: "high cpu",
		MetricName: "cpuUsagePercent", Operator: models.OpGT, Threshold: 90,
		Severity: models.SeverityCritical, Enabled: true,
	}
	if err := f.db.Create(&policy).Error; err != nil {
		t.Fatalf("create policy: %v", err)
	}

	sub := f.hub.Subscribe(feed.Topic{Kind: models.KindServer, ResourceID: "srv-1"})
	defer sub.Close()

	ts := time.Now().UTC().Truncate(time.Second)
	push := serverPush(t, ts, models.ServerMetrics{
		CPUUsagePercent:    95,
		MemoryUsagePercent: 40,
		MemoryTotalMB:      16384,
		DiskUsagePercent:   30,
		DiskTotalMB:        512000,
	})

	result, err := f.gateway.Ingest(context.Background(), "acc-1", models.KindServer, push)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != models.StatusCritical {
		t.Fatalf("status = %v, want critical for cpu 95", result.Status)
	}

	// Durable write happened.
	sample, err := f.store.Latest(context.Background(), "srv-1", models.KindServer)
	if err != nil {
		t.Fatalf("latest after ingest: %v", err)
	}
	if got := sample.Metrics()["cpuUsagePercent"]; got != 95 {
		t.Fatalf("stored cpu = %v, want 95", got)
	}

	// Status persisted on the resource row.
	var res models.Resource
	if err := f.db.First(&res, "id = ?", "srv-1").Error; err != nil {
		t.Fatalf("reload resource: %v", err)
	}
	if res.Status != models.StatusCritical {
		t.Fatalf("persisted status = %v, want critical", res.Status)
	}

	// Live subscribers saw the sample.
	select {
	case update := <-sub.C:
		if update.Status != models.StatusCritical || update.Metrics["cpuUsagePercent"] != 95 {
			t.Fatalf("feed update = %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("no live feed delivery")
	}

	// The policy fired.
	var incident models.Incident
	if err := f.db.Where("policy_id = ? AND state = ?", policy.ID, models.IncidentActive).
		First(&incident).Error; err != nil {
		t.Fatalf("load incident: %v", err)
	}
	if incident.TriggeredValue != 95 {
		t.Fatalf("triggered value = %v, want 95", incident.TriggeredValue)
	}
}

func TestIngestRejectsForeignResource(t *testing.T) {
	f := newFixture(t)
	f.seedServer(t)

	push := serverPush(t, time.Now().UTC(), models.ServerMetrics{
		CPUUsagePercent: 10, MemoryTotalMB: 1, DiskTotalMB: 1,
	})
	_, err := f.gateway.Ingest(context.Background(), "acc-intruder", models.KindServer, push)
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("foreign ingest err = %v, want not_found", err)
	}
}

func TestIngestRejectsKindMismatch(t *testing.T) {
	f := newFixture(t)
	f.seedServer(t)

	push := serverPush(t, time.Now().UTC(), models.ServerMetrics{
		CPUUsagePercent: 10, MemoryTotalMB: 1, DiskTotalMB: 1,
	})
	_, err := f.gateway.Ingest(context.Background(), "acc-1", models.KindWebsite, push)
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("kind mismatch err = %v, want not_found", err)
	}
}

func TestIngestRejectsDeactivatedResource(t *testing.T) {
	f := newFixture(t)
	res := f.seedServer(t)
	if err := f.db.Model(res).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	push := serverPush(t, time.Now().UTC(), models.ServerMetrics{
		CPUUsagePercent: 10, MemoryTotalMB: 1, DiskTotalMB: 1,
	})
	_, err := f.gateway.Ingest(context.Background(), "acc-1", models.KindServer, push)
	if !apperr.IsCode(err, apperr.CodePreconditionFailed) {
		t.Fatalf("deactivated ingest err = %v, want precondition_failed", err)
	}
}

func TestIngestValidatesPayload(t *testing.T) {
	f := newFixture(t)
	f.seedServer(t)

	// cpu over 100 and a missing required total.
	push := serverPush(t, time.Now().UTC(), models.ServerMetrics{
		CPUUsagePercent: 150,
		DiskTotalMB:     512000,
	})
	_, err := f.gateway.Ingest(context.Background(), "acc-1", models.KindServer, push)
	e := apperr.As(err)
	if e == nil || e.Code != apperr.CodeValidation {
		t.Fatalf("invalid payload err = %v, want validation_error", err)
	}
	if len(e.Details) == 0 {
		t.Fatal("validation error carries no field details")
	}

	// Nothing was persisted.
	var count int64
	if err := f.db.Model(&models.ServerSample{}).Count(&count).Error; err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if count != 0 {
		t.Fatalf("samples after rejected push = %d, want 0", count)
	}
}

func TestIngestRejectsBadTimestamp(t *testing.T) {
	f := newFixture(t)
	f.seedServer(t)

	raw, _ := json.Marshal(models.ServerMetrics{CPUUsagePercent: 10, MemoryTotalMB: 1, DiskTotalMB: 1})
	push := Push{ResourceID: "srv-1", Metrics: raw, Timestamp: "yesterday"}

	_, err := f.gateway.Ingest(context.Background(), "acc-1", models.KindServer, push)
	if !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("bad timestamp err = %v, want validation_error", err)
	}
}

func TestIngestDefaultsTimestampToReceiveTime(t *testing.T) {
	f := newFixture(t)
	f.seedServer(t)

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.gateway.now = func() time.Time { return fixed }

	raw, _ := json.Marshal(models.ServerMetrics{CPUUsagePercent: 10, MemoryTotalMB: 1, DiskTotalMB: 1})
	push := Push{ResourceID: "srv-1", Metrics: raw}

	result, err := f.gateway.Ingest(context.Background(), "acc-1", models.KindServer, push)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %v, want server receive time %v", result.Timestamp, fixed)
	}
}
