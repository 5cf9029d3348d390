package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/horizon-qa/atlas/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Bus      *BusStats              `json:"bus,omitempty"`
	Router   *RouterStats           `json:"router,omitempty"`
	Runtime  *RuntimeStats          `json:"runtime,omitempty"`
	Analysis *AnalysisStats         `json:"analysis,omitempty"`
	Push     *PushStats             `json:"push,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// BusStats summarizes bus activity counters.
type BusStats struct {
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	RelayFailures int64 `json:"relay_failures"`
	Subscribers   int   `json:"subscribers"`
}

// RouterStats summarizes event routing counters.
type RouterStats struct {
	Matched   int64 `json:"matched"`
	Unmatched int64 `json:"unmatched"`
}

// RuntimeStats summarizes the agent runtime.
type RuntimeStats struct {
	Instances int `json:"instances"`
	Skills    int `json:"skills"`
}

// AnalysisStats summarizes the completion queue.
type AnalysisStats struct {
	Pending int `json:"pending"`
}

// PushStats summarizes the WebSocket layer.
type PushStats struct {
	Connections int `json:"connections"`
}

// healthHandler handles GET /healthz. Only the core's own dependencies are
// checked; an unreachable LLM or Slack does not flip liveness.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: healthStatusHealthy}

	dbHealth, err := database.Health(ctx, s.db.DB())
	resp.Database = &dbHealth
	if err != nil {
		resp.Status = healthStatusUnhealthy
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	busStats := s.bus.Stats()
	resp.Bus = &BusStats{
		Published:     busStats.Published,
		Delivered:     busStats.Delivered,
		RelayFailures: busStats.RelayFailures,
		Subscribers:   busStats.Subscribers,
	}

	routerStats := s.router.Stats()
	resp.Router = &RouterStats{
		Matched:   routerStats.Matched,
		Unmatched: routerStats.Unmatched,
	}

	resp.Runtime = &RuntimeStats{
		Instances: len(s.runtime.ListInstances("")),
		Skills:    len(s.skills.Names()),
	}

	if pending, err := s.analysis.PendingCount(ctx, s.queueName); err == nil {
		resp.Analysis = &AnalysisStats{Pending: pending}
	} else {
		resp.Status = healthStatusDegraded
	}

	if s.connMgr != nil {
		resp.Push = &PushStats{Connections: s.connMgr.ActiveConnections()}
	}

	c.JSON(http.StatusOK, resp)
}
