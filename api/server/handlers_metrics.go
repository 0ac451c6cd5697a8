package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ankercloud/internal/apperr"
	"ankercloud/internal/health"
	"ankercloud/internal/ingest"
	"ankercloud/internal/models"
	"ankercloud/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func (s *Server) ingestSample(c *gin.Context) {
	var push ingest.Push
	if err := c.ShouldBindJSON(&push); err != nil {
		respondError(c, apperr.Validation("malformed request body"))
		return
	}

	accountID, _ := accountFrom(c)
	kind := models.ResourceKind(c.Param("kind"))

	result, err := s.gateway.Ingest(c.Request.Context(), accountID, kind, push)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": result.Timestamp,
	})
}

func (s *Server) queryMetrics(c *gin.Context) {
	accountID, admin := accountFrom(c)

	res, err := s.ownedResource(c, accountID, admin, c.Param("resourceId"))
	if err != nil {
		respondError(c, err)
		return
	}

	end := time.Now().UTC()
	if raw := c.Query("endTime"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, apperr.Validation("invalid endTime",
				apperr.FieldError{Field: "endTime", Message: "must be RFC3339"}))
			return
		}
	}

	start := end.Add(-time.Hour)
	if raw := c.Query("startTime"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, apperr.Validation("invalid startTime",
				apperr.FieldError{Field: "startTime", Message: "must be RFC3339"}))
			return
		}
	}

	bucketWidth := time.Duration(s.config.Ingest.DefaultBucketSeconds) * time.Second
	if raw := c.Query("interval"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 1 {
			respondError(c, apperr.Validation("invalid interval",
				apperr.FieldError{Field: "interval", Message: "must be a positive number of seconds"}))
			return
		}
		bucketWidth = time.Duration(seconds) * time.Second
	}

	var metrics []string
	if raw := c.Query("metrics"); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(m); trimmed != "" {
				metrics = append(metrics, trimmed)
			}
		}
	}

	buckets, err := s.store.QueryRange(c.Request.Context(), res.ID, res.Kind, start, end, bucketWidth, metrics)
	if err != nil {
		respondError(c, err)
		return
	}
	if buckets == nil {
		buckets = []store.Bucket{}
	}

	c.JSON(http.StatusOK, gin.H{
		"resourceId": res.ID,
		"buckets":    buckets,
	})
}

type latestRequest struct {
	ResourceIDs []string `json:"resourceIds" binding:"required,min=1"`
}

type latestEntry struct {
	Status    models.ResourceStatus `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Metrics   map[string]float64    `json:"metrics"`
}

// latestMetrics resolves the freshest sample per requested resource.
// Resources with no fresh sample, unknown ids, and foreign resources are
// simply absent from the response map.
func (s *Server) latestMetrics(c *gin.Context) {
	var req latestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("resourceIds is required"))
		return
	}

	accountID, admin := accountFrom(c)
	now := time.Now()
	out := make(map[string]latestEntry)

	for _, id := range req.ResourceIDs {
		res, err := s.ownedResource(c, accountID, admin, id)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeNotFound) {
				continue
			}
			respondError(c, err)
			return
		}

		sample, err := s.store.Latest(c.Request.Context(), res.ID, res.Kind)
		if errors.Is(err, store.ErrNoData) {
			continue
		}
		if err != nil {
			respondError(c, err)
			return
		}

		out[res.ID] = latestEntry{
			Status:    health.StatusFor(res, s.config.Ingest.Freshness(), now),
			Timestamp: sample.GetTimestamp(),
			Metrics:   sample.Metrics(),
		}
	}

	c.JSON(http.StatusOK, gin.H{"resources": out})
}

// ownedResource loads a resource and enforces account scoping. A resource
// belonging to someone else reads as not found.
func (s *Server) ownedResource(c *gin.Context, accountID string, admin bool, id string) (*models.Resource, error) {
	if id == "" {
		return nil, apperr.Validation("missing resource id")
	}

	var res models.Resource
	err := s.db.WithContext(c.Request.Context()).First(&res, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("resource not found")
	}
	if err != nil {
		return nil, apperr.Storage("failed to load resource", err)
	}
	if !admin && res.AccountID != accountID {
		return nil, apperr.NotFound("resource not found")
	}
	return &res, nil
}
