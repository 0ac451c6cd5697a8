package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ankercloud/internal/alerting"
	"ankercloud/internal/apperr"
	"ankercloud/internal/health"
	"ankercloud/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Resources

func (s *Server) listResources(c *gin.Context) {
	accountID, admin := accountFrom(c)

	q := s.db.WithContext(c.Request.Context()).Order("created_at ASC")
	if !admin {
		q = q.Where("account_id = ?", accountID)
	}
	if kind := c.Query("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}

	var resources []models.Resource
	if err := q.Find(&resources).Error; err != nil {
		respondError(c, apperr.Storage("failed to list resources", err))
		return
	}

	// Present unknown for resources whose last sample aged out.
	now := time.Now()
	freshness := s.config.Ingest.Freshness()
	type resourceView struct {
		models.Resource
		PresentedStatus models.ResourceStatus `json:"presented_status"`
	}
	views := make([]resourceView, 0, len(resources))
	for i := range resources {
		views = append(views, resourceView{
			Resource:        resources[i],
			PresentedStatus: health.StatusFor(&resources[i], freshness, now),
		})
	}

	c.JSON(http.StatusOK, gin.H{"resources": views})
}

func (s *Server) getResource(c *gin.Context) {
	accountID, admin := accountFrom(c)

	res, err := s.ownedResource(c, accountID, admin, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resource":         res,
		"presented_status": health.StatusFor(res, s.config.Ingest.Freshness(), time.Now()),
	})
}

type createResourceRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind" binding:"required"`
	Name string `json:"name" binding:"required"`
}

func (s *Server) createResource(c *gin.Context) {
	var req createResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation(err.Error()))
		return
	}
	kind := models.ResourceKind(req.Kind)
	if !models.ValidKind(kind) {
		respondError(c, apperr.Validation("unsupported resource kind",
			apperr.FieldError{Field: "kind", Message: "must be server, website, network or database"}))
		return
	}

	accountID, _ := accountFrom(c)

	id := req.ID
	if id == "" {
		id = randomID("res")
	}

	res := models.Resource{
		ID:        id,
		AccountID: accountID,
		Kind:      kind,
		Name:      req.Name,
		Status:    models.StatusUnknown,
		Active:    true,
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&res).Error; err != nil {
		respondError(c, apperr.Storage("failed to create resource", err))
		return
	}

	c.JSON(http.StatusCreated, res)
}

// deactivateResource stops ingest for the resource without touching its
// historical samples or incidents.
func (s *Server) deactivateResource(c *gin.Context) {
	accountID, admin := accountFrom(c)

	res, err := s.ownedResource(c, accountID, admin, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.db.WithContext(c.Request.Context()).Model(res).
		Update("active", false).Error; err != nil {
		respondError(c, apperr.Storage("failed to deactivate resource", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "resource deactivated"})
}

// Alert policies

type policyRequest struct {
	ResourceID      string   `json:"resource_id" binding:"required"`
	Name            string   `json:"name"`
	MetricName      string   `json:"metric_name" binding:"required"`
	Operator        string   `json:"operator" binding:"required"`
	Threshold       float64  `json:"threshold"`
	DurationSeconds int      `json:"duration_seconds"`
	Severity        string   `json:"severity"`
	Enabled         *bool    `json:"enabled"`
	ChannelIDs      []uint32 `json:"channel_ids"`
}

func (s *Server) listPolicies(c *gin.Context) {
	accountID, admin := accountFrom(c)

	q := s.db.WithContext(c.Request.Context()).Order("created_at ASC")
	if !admin {
		q = q.Where("account_id = ?", accountID)
	}
	if resourceID := c.Query("resourceId"); resourceID != "" {
		q = q.Where("resource_id = ?", resourceID)
	}

	var policies []models.AlertPolicy
	if err := q.Find(&policies).Error; err != nil {
		respondError(c, apperr.Storage("failed to list alert policies", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (s *Server) createPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation(err.Error()))
		return
	}

	accountID, admin := accountFrom(c)

	policy, err := s.policyFromRequest(c, accountID, admin, req)
	if err != nil {
		respondError(c, err)
		return
	}
	policy.AccountID = accountID

	if err := s.db.WithContext(c.Request.Context()).Create(policy).Error; err != nil {
		respondError(c, apperr.Storage("failed to create alert policy", err))
		return
	}

	c.JSON(http.StatusCreated, policy)
}

func (s *Server) updatePolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation(err.Error()))
		return
	}

	accountID, admin := accountFrom(c)

	existing, err := s.ownedPolicy(c, accountID, admin)
	if err != nil {
		respondError(c, err)
		return
	}

	updated, err := s.policyFromRequest(c, accountID, admin, req)
	if err != nil {
		respondError(c, err)
		return
	}

	existing.ResourceID = updated.ResourceID
	existing.Name = updated.Name
	existing.MetricName = updated.MetricName
	existing.Operator = updated.Operator
	existing.Threshold = updated.Threshold
	existing.DurationSeconds = updated.DurationSeconds
	existing.Severity = updated.Severity
	existing.Enabled = updated.Enabled
	existing.ChannelIDs = updated.ChannelIDs

	if err := s.db.WithContext(c.Request.Context()).Save(existing).Error; err != nil {
		respondError(c, apperr.Storage("failed to update alert policy", err))
		return
	}

	c.JSON(http.StatusOK, existing)
}

func (s *Server) deletePolicy(c *gin.Context) {
	accountID, admin := accountFrom(c)

	policy, err := s.ownedPolicy(c, accountID, admin)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.db.WithContext(c.Request.Context()).Delete(policy).Error; err != nil {
		respondError(c, apperr.Storage("failed to delete alert policy", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "alert policy deleted"})
}

func (s *Server) policyFromRequest(c *gin.Context, accountID string, admin bool, req policyRequest) (*models.AlertPolicy, error) {
	op := models.PolicyOperator(req.Operator)
	if !models.ValidOperator(op) {
		return nil, apperr.Validation("unsupported operator",
			apperr.FieldError{Field: "operator", Message: "must be gt, lt, eq, ne, gte or lte"})
	}
	if req.DurationSeconds < 0 {
		return nil, apperr.Validation("invalid duration",
			apperr.FieldError{Field: "duration_seconds", Message: "must not be negative"})
	}

	// The policy must point at a resource the caller can see.
	if _, err := s.ownedResource(c, accountID, admin, req.ResourceID); err != nil {
		return nil, err
	}

	severity := models.IncidentSeverity(req.Severity)
	if severity == "" {
		severity = models.SeverityMedium
	}

	channelIDs := "[]"
	if len(req.ChannelIDs) > 0 {
		raw, err := json.Marshal(req.ChannelIDs)
		if err != nil {
			return nil, apperr.Validation("invalid channel_ids")
		}
		channelIDs = string(raw)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	return &models.AlertPolicy{
		ResourceID:      req.ResourceID,
		Name:            req.Name,
		MetricName:      req.MetricName,
		Operator:        op,
		Threshold:       req.Threshold,
		DurationSeconds: req.DurationSeconds,
		Severity:        severity,
		Enabled:         enabled,
		ChannelIDs:      channelIDs,
	}, nil
}

func (s *Server) ownedPolicy(c *gin.Context, accountID string, admin bool) (*models.AlertPolicy, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid policy id")
	}

	var policy models.AlertPolicy
	dbErr := s.db.WithContext(c.Request.Context()).First(&policy, uint32(id)).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("alert policy not found")
	}
	if dbErr != nil {
		return nil, apperr.Storage("failed to load alert policy", dbErr)
	}
	if !admin && policy.AccountID != accountID {
		return nil, apperr.NotFound("alert policy not found")
	}
	return &policy, nil
}

// Notification channels

type channelRequest struct {
	Name    string         `json:"name" binding:"required"`
	Type    string         `json:"type" binding:"required,oneof=email webhook"`
	Enabled *bool          `json:"enabled"`
	Config  map[string]any `json:"config" binding:"required"`
}

func (s *Server) listChannels(c *gin.Context) {
	accountID, admin := accountFrom(c)

	q := s.db.WithContext(c.Request.Context()).Order("created_at ASC")
	if !admin {
		q = q.Where("account_id = ?", accountID)
	}

	var channels []models.NotificationChannel
	if err := q.Find(&channels).Error; err != nil {
		respondError(c, apperr.Storage("failed to list notification channels", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (s *Server) createChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation(err.Error()))
		return
	}

	accountID, _ := accountFrom(c)

	configJSON, err := validChannelConfig(req.Type, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	channel := models.NotificationChannel{
		AccountID: accountID,
		Name:      req.Name,
		Type:      req.Type,
		Enabled:   enabled,
		Config:    configJSON,
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&channel).Error; err != nil {
		respondError(c, apperr.Storage("failed to create notification channel", err))
		return
	}

	c.JSON(http.StatusCreated, channel)
}

func (s *Server) updateChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation(err.Error()))
		return
	}

	accountID, admin := accountFrom(c)

	channel, err := s.ownedChannel(c, accountID, admin)
	if err != nil {
		respondError(c, err)
		return
	}

	configJSON, err := validChannelConfig(req.Type, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}

	channel.Name = req.Name
	channel.Type = req.Type
	channel.Config = configJSON
	if req.Enabled != nil {
		channel.Enabled = *req.Enabled
	}

	if err := s.db.WithContext(c.Request.Context()).Save(channel).Error; err != nil {
		respondError(c, apperr.Storage("failed to update notification channel", err))
		return
	}

	c.JSON(http.StatusOK, channel)
}

func (s *Server) deleteChannel(c *gin.Context) {
	accountID, admin := accountFrom(c)

	channel, err := s.ownedChannel(c, accountID, admin)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.db.WithContext(c.Request.Context()).Delete(channel).Error; err != nil {
		respondError(c, apperr.Storage("failed to delete notification channel", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "notification channel deleted"})
}

// testChannel fires a sample notification through the channel so operators
// can verify its config before wiring it to a policy.
func (s *Server) testChannel(c *gin.Context) {
	accountID, admin := accountFrom(c)

	channel, err := s.ownedChannel(c, accountID, admin)
	if err != nil {
		respondError(c, err)
		return
	}

	var config map[string]any
	if err := json.Unmarshal([]byte(channel.Config), &config); err != nil {
		respondError(c, apperr.Validation("channel config is not valid JSON"))
		return
	}

	notifier, err := alerting.NewNotifier(channel.Type, config)
	if err != nil {
		respondError(c, apperr.Validation(err.Error()))
		return
	}

	if err := notifier.Send(c.Request.Context(),
		"AnkerCloud test notification",
		"This is a test message confirming the channel is configured correctly."); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "test notification failed", "detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "test notification sent"})
}

func (s *Server) ownedChannel(c *gin.Context, accountID string, admin bool) (*models.NotificationChannel, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid channel id")
	}

	var channel models.NotificationChannel
	dbErr := s.db.WithContext(c.Request.Context()).First(&channel, uint32(id)).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("notification channel not found")
	}
	if dbErr != nil {
		return nil, apperr.Storage("failed to load notification channel", dbErr)
	}
	if !admin && channel.AccountID != accountID {
		return nil, apperr.NotFound("notification channel not found")
	}
	return &channel, nil
}

// validChannelConfig builds a notifier from the config once, so a broken
// config is rejected at write time rather than on first incident.
func validChannelConfig(channelType string, config map[string]any) (string, error) {
	if _, err := alerting.NewNotifier(channelType, config); err != nil {
		return "", apperr.Validation(err.Error())
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return "", apperr.Validation("invalid channel config")
	}
	return string(raw), nil
}

// API keys

type createKeyRequest struct {
	Label     string `json:"label"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) createAPIKey(c *gin.Context) {
	var req createKeyRequest
	_ = c.ShouldBindJSON(&req)

	accountID, _ := accountFrom(c)

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			respondError(c, apperr.Validation("invalid expires_at",
				apperr.FieldError{Field: "expires_at", Message: "must be RFC3339"}))
			return
		}
		expiresAt = &ts
	}

	key := models.APIKey{
		Key:       randomID("ak"),
		AccountID: accountID,
		Label:     req.Label,
		ExpiresAt: expiresAt,
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&key).Error; err != nil {
		respondError(c, apperr.Storage("failed to create API key", err))
		return
	}

	c.JSON(http.StatusCreated, key)
}

func (s *Server) revokeAPIKey(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		respondError(c, apperr.Validation("invalid key id"))
		return
	}

	accountID, admin := accountFrom(c)

	var key models.APIKey
	dbErr := s.db.WithContext(c.Request.Context()).First(&key, uint32(id)).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		respondError(c, apperr.NotFound("API key not found"))
		return
	}
	if dbErr != nil {
		respondError(c, apperr.Storage("failed to load API key", dbErr))
		return
	}
	if !admin && key.AccountID != accountID {
		respondError(c, apperr.NotFound("API key not found"))
		return
	}

	if err := s.db.WithContext(c.Request.Context()).Model(&key).
		Update("revoked", true).Error; err != nil {
		respondError(c, apperr.Storage("failed to revoke API key", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}

func randomID(prefix string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems.
		panic(err)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
