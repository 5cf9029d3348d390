package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/horizon-qa/atlas/pkg/models"
)

// StartInstanceRequest is the body of POST /api/v1/instances.
type StartInstanceRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Version string `json:"version"`
}

// DispatchRequest is the body of POST /api/v1/instances/:instance_id/dispatch.
type DispatchRequest struct {
	Message string `json:"message" binding:"required"`
	Wait    bool   `json:"wait"`
}

func (s *Server) startInstanceHandler(c *gin.Context) {
	var req StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	instanceID, err := s.runtime.StartAgent(c.Request.Context(), req.AgentID, req.Version)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instance_id": instanceID, "agent_id": req.AgentID})
}

func (s *Server) listInstancesHandler(c *gin.Context) {
	instances := s.runtime.ListInstances(c.Query("agent_id"))
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (s *Server) instanceStatusHandler(c *gin.Context) {
	inst, err := s.runtime.Status(c.Param("instance_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) stopInstanceHandler(c *gin.Context) {
	if err := s.runtime.StopAgent(c.Request.Context(), c.Param("instance_id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": c.Param("instance_id"), "state": "stopped"})
}

func (s *Server) pauseInstanceHandler(c *gin.Context) {
	if err := s.runtime.PauseAgent(c.Request.Context(), c.Param("instance_id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": c.Param("instance_id"), "state": "paused"})
}

func (s *Server) resumeInstanceHandler(c *gin.Context) {
	if err := s.runtime.ResumeAgent(c.Request.Context(), c.Param("instance_id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": c.Param("instance_id"), "state": "running"})
}

// dispatchHandler sends a user message to an instance. With wait=true the
// response carries the finished task; otherwise the task id is returned
// immediately and progress streams over the push channel.
func (s *Server) dispatchHandler(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	instanceID := c.Param("instance_id")

	task := &models.Task{
		TaskID:      uuid.NewString(),
		InstanceID:  instanceID,
		UserMessage: req.Message,
		State:       models.TaskStateQueued,
	}

	if !req.Wait {
		if err := s.runtime.Dispatch(c.Request.Context(), instanceID, task); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": task.TaskID, "state": task.State})
		return
	}

	done, err := s.runtime.DispatchWait(c.Request.Context(), instanceID, task, nil)
	if err != nil {
		s.respondError(c, err)
		return
	}
	select {
	case finished := <-done:
		c.JSON(http.StatusOK, finished)
	case <-c.Request.Context().Done():
		c.JSON(http.StatusAccepted, gin.H{"task_id": task.TaskID, "state": "running"})
	}
}
