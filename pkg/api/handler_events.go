package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/models"
)

// PublishEventRequest is the body of POST /api/v1/events.
type PublishEventRequest struct {
	Type     string          `json:"type" binding:"required"`
	Priority models.Priority `json:"priority"`
	Payload  map[string]any  `json:"payload"`
}

func (s *Server) publishEventHandler(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		badRequest(c, "invalid priority")
		return
	}

	ev := &models.Event{
		Type:     req.Type,
		Priority: req.Priority,
		Payload:  req.Payload,
	}
	if err := s.bus.Publish(c.Request.Context(), ev); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.ID, "type": ev.Type, "priority": ev.Priority})
}

// replayEventsHandler handles GET /api/v1/events/replay with type, priority,
// since, until (RFC 3339) and limit query parameters.
func (s *Server) replayEventsHandler(c *gin.Context) {
	filter := database.ReplayFilter{
		Type:     c.Query("type"),
		Priority: models.Priority(c.Query("priority")),
	}
	if filter.Priority != "" && !filter.Priority.IsValid() {
		badRequest(c, "invalid priority filter")
		return
	}
	var err error
	if filter.Since, err = parseTimeParam(c.Query("since")); err != nil {
		badRequest(c, "since must be RFC 3339")
		return
	}
	if filter.Until, err = parseTimeParam(c.Query("until")); err != nil {
		badRequest(c, "until must be RFC 3339")
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := s.bus.Replay(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
