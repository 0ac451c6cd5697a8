// Package ingest is the write path: one authenticated push travels
// validate -> append -> status -> live feed -> alerting -> archive. The
// durable append is the only step allowed to fail the request; everything
// after it is best effort.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ankercloud/internal/apperr"
	"ankercloud/internal/archive"
	"ankercloud/internal/feed"
	"ankercloud/internal/health"
	"ankercloud/internal/logger"
	"ankercloud/internal/models"
	"ankercloud/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Push is the wire envelope agents and check producers send.
type Push struct {
	ResourceID string          `json:"resourceId"`
	Metrics    json.RawMessage `json:"metrics"`
	Timestamp  string          `json:"timestamp"`
}

// Result is what a successful push returns to the producer.
type Result struct {
	ResourceID string                `json:"resourceId"`
	Status     models.ResourceStatus `json:"status"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Evaluator is the alerting hook the gateway calls after a durable append.
type Evaluator interface {
	Evaluate(ctx context.Context, res *models.Resource, sample models.Sample) error
}

type Gateway struct {
	db        *gorm.DB
	store     *store.Store
	register  *health.Register
	hub       *feed.Hub
	evaluator Evaluator
	archiver  *archive.Writer
	validate  *validator.Validate
	now       func() time.Time
}

func NewGateway(db *gorm.DB, st *store.Store, register *health.Register, hub *feed.Hub, evaluator Evaluator, archiver *archive.Writer) *Gateway {
	return &Gateway{
		db:        db,
		store:     st,
		register:  register,
		hub:       hub,
		evaluator: evaluator,
		archiver:  archiver,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Ingest processes one push for the account resolved from the producer's API
// key. The returned status is the one on record after this sample.
func (g *Gateway) Ingest(ctx context.Context, accountID string, kind models.ResourceKind, push Push) (*Result, error) {
	if !models.ValidKind(kind) {
		return nil, apperr.Validation(fmt.Sprintf("unsupported resource kind: %s", kind))
	}
	if push.ResourceID == "" {
		return nil, apperr.Validation("missing resourceId",
			apperr.FieldError{Field: "resourceId", Message: "required"})
	}

	res, err := g.resource(ctx, push.ResourceID)
	if err != nil {
		return nil, err
	}
	if res.AccountID != accountID || res.Kind != kind {
		// Foreign resources and wrong-kind addressing both read as absent;
		// the caller learns nothing it did not already know.
		return nil, apperr.NotFound("resource not found")
	}
	if !res.Active {
		return nil, apperr.PreconditionFailed("resource is deactivated")
	}

	ts, err := g.sampleTime(push.Timestamp)
	if err != nil {
		return nil, err
	}

	sample, err := g.decodeSample(res.ID, kind, ts, push.Metrics)
	if err != nil {
		return nil, err
	}

	if err := g.store.Append(ctx, sample); err != nil {
		return nil, err
	}

	status, err := g.register.Update(ctx, res, sample)
	if err != nil {
		return nil, err
	}

	g.hub.Publish(feed.Topic{Kind: kind, ResourceID: res.ID}, feed.Update{
		ResourceID: res.ID,
		Kind:       kind,
		Status:     status,
		Timestamp:  ts,
		Metrics:    sample.Metrics(),
	})

	if g.evaluator != nil {
		if err := g.evaluator.Evaluate(ctx, res, sample); err != nil {
			logger.Error("alert evaluation failed",
				zap.String("resource_id", res.ID),
				zap.Error(err))
		}
	}

	g.archiver.Enqueue(archive.Document{
		ResourceID: res.ID,
		Kind:       kind,
		Status:     status,
		Metrics:    sample.Metrics(),
		SampledAt:  ts,
	})

	return &Result{ResourceID: res.ID, Status: status, Timestamp: ts}, nil
}

func (g *Gateway) resource(ctx context.Context, id string) (*models.Resource, error) {
	var res models.Resource
	err := g.db.WithContext(ctx).First(&res, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("resource not found")
	}
	if err != nil {
		return nil, apperr.Storage("failed to load resource", err)
	}
	return &res, nil
}

// sampleTime parses the producer's RFC3339 timestamp, falling back to server
// receive time when the producer sent none.
func (g *Gateway) sampleTime(raw string) (time.Time, error) {
	if raw == "" {
		return g.now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation("invalid timestamp",
			apperr.FieldError{Field: "timestamp", Message: "must be RFC3339"})
	}
	return ts.UTC(), nil
}

func (g *Gateway) decodeSample(resourceID string, kind models.ResourceKind, ts time.Time, raw json.RawMessage) (models.Sample, error) {
	if len(raw) == 0 {
		return nil, apperr.Validation("missing metrics",
			apperr.FieldError{Field: "metrics", Message: "required"})
	}

	switch kind {
	case models.KindServer:
		var m models.ServerMetrics
		if err := g.decodeMetrics(raw, &m); err != nil {
			return nil, err
		}
		return models.NewServerSample(resourceID, ts, m), nil
	case models.KindWebsite:
		var m models.WebsiteMetrics
		if err := g.decodeMetrics(raw, &m); err != nil {
			return nil, err
		}
		return models.NewWebsiteSample(resourceID, ts, m), nil
	case models.KindNetwork:
		var m models.NetworkMetrics
		if err := g.decodeMetrics(raw, &m); err != nil {
			return nil, err
		}
		return models.NewNetworkSample(resourceID, ts, m), nil
	case models.KindDatabase:
		var m models.DatabaseMetrics
		if err := g.decodeMetrics(raw, &m); err != nil {
			return nil, err
		}
		return models.NewDatabaseSample(resourceID, ts, m), nil
	}
	return nil, apperr.Validation(fmt.Sprintf("unsupported resource kind: %s", kind))
}

func (g *Gateway) decodeMetrics(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return apperr.Validation("malformed metrics payload",
			apperr.FieldError{Field: "metrics", Message: err.Error()})
	}
	if err := g.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]apperr.FieldError, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, apperr.FieldError{
					Field:   fe.Field(),
					Message: fmt.Sprintf("failed %s validation", fe.Tag()),
				})
			}
			return apperr.Validation("invalid metrics payload", details...)
		}
		return apperr.Validation("invalid metrics payload")
	}
	return nil
}
