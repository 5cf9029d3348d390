package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/horizon-qa/atlas/pkg/locks"
	"github.com/horizon-qa/atlas/pkg/models"
)

// AcquireLockRequest is the body of POST /api/v1/locks/:resource_id/acquire.
// timeout_ms > 0 blocks the request until the lock is granted or the timeout
// elapses; zero returns a queue position immediately.
type AcquireLockRequest struct {
	ResourceKind string          `json:"resource_kind"`
	OwnerID      string          `json:"owner_id" binding:"required"`
	OwnerKind    string          `json:"owner_kind"`
	Priority     models.Priority `json:"priority"`
	LeaseTTLMs   int64           `json:"lease_ttl_ms"`
	TimeoutMs    int64           `json:"timeout_ms"`
}

// ReleaseLockRequest is the body of POST /api/v1/locks/:resource_id/release.
type ReleaseLockRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

func (s *Server) lockStatusHandler(c *gin.Context) {
	status, err := s.locks.Status(c.Request.Context(), c.Param("resource_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) acquireLockHandler(c *gin.Context) {
	var req AcquireLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		badRequest(c, "invalid priority")
		return
	}
	if req.OwnerKind == "" {
		req.OwnerKind = string(models.OwnerKindUser)
	}
	if !models.OwnerKind(req.OwnerKind).IsValid() {
		badRequest(c, "invalid owner_kind")
		return
	}

	result, err := s.locks.Acquire(c.Request.Context(), locks.AcquireRequest{
		ResourceID:   c.Param("resource_id"),
		ResourceKind: req.ResourceKind,
		OwnerID:      req.OwnerID,
		OwnerKind:    models.OwnerKind(req.OwnerKind),
		Priority:     req.Priority,
		LeaseTTL:     time.Duration(req.LeaseTTLMs) * time.Millisecond,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == locks.AcquireStatusQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (s *Server) releaseLockHandler(c *gin.Context) {
	var req ReleaseLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.locks.Release(c.Request.Context(), c.Param("resource_id"), req.OwnerID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource_id": c.Param("resource_id"), "released": true})
}
