package server

import (
	"net/http"
	"strconv"

	"ankercloud/internal/alerting"
	"ankercloud/internal/apperr"
	"ankercloud/internal/models"

	"github.com/gin-gonic/gin"
)

func (s *Server) listIncidents(c *gin.Context) {
	accountID, admin := accountFrom(c)

	filter := alerting.IncidentFilter{
		State:      models.IncidentState(c.Query("state")),
		Severity:   models.IncidentSeverity(c.Query("severity")),
		ResourceID: c.Query("resourceId"),
	}

	incidents, err := s.incidents.List(c.Request.Context(), accountID, admin, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

func (s *Server) getIncident(c *gin.Context) {
	accountID, admin := accountFrom(c)

	id, err := incidentID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	incident, err := s.incidents.Get(c.Request.Context(), accountID, admin, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, incident)
}

type incidentActionRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) acknowledgeIncident(c *gin.Context) {
	accountID, admin := accountFrom(c)

	id, err := incidentID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var req incidentActionRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	incident, err := s.incidents.Acknowledge(c.Request.Context(), accountID, admin, id, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, incident)
}

func (s *Server) resolveIncident(c *gin.Context) {
	accountID, admin := accountFrom(c)

	id, err := incidentID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var req incidentActionRequest
	_ = c.ShouldBindJSON(&req)

	incident, err := s.incidents.Resolve(c.Request.Context(), accountID, admin, id, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, incident)
}

func incidentID(c *gin.Context) (uint32, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, apperr.Validation("invalid incident id")
	}
	return uint32(id), nil
}
