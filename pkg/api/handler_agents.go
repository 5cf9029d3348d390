package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/horizon-qa/atlas/pkg/models"
	"github.com/horizon-qa/atlas/pkg/registry"
)

// registerAgentHandler handles POST /api/v1/agents. The body is the agent
// definition document as JSON; the new version is stored as draft.
func (s *Server) registerAgentHandler(c *gin.Context) {
	var def models.AgentDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.registry.Register(c.Request.Context(), &def); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, &def)
}

// importAgentHandler handles POST /api/v1/agents/import with a YAML body.
func (s *Server) importAgentHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}
	def, err := s.registry.ImportYAML(c.Request.Context(), body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

// listAgentsHandler handles GET /api/v1/agents?status=published.
func (s *Server) listAgentsHandler(c *gin.Context) {
	status := models.DefinitionStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		badRequest(c, "invalid status filter")
		return
	}
	defs, err := s.registry.List(c.Request.Context(), registry.ListFilter{Status: status})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": defs})
}

// getAgentHandler handles GET /api/v1/agents/:agent_id?version=1.2.0.
// Without a version it returns the latest published version.
func (s *Server) getAgentHandler(c *gin.Context) {
	def, err := s.registry.Get(c.Request.Context(), c.Param("agent_id"), c.Query("version"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// listAgentVersionsHandler handles GET /api/v1/agents/:agent_id/versions.
func (s *Server) listAgentVersionsHandler(c *gin.Context) {
	defs, err := s.registry.ListVersions(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": defs})
}

// exportAgentHandler handles GET /api/v1/agents/:agent_id/export?version=1.2.0,
// returning the definition document as YAML.
func (s *Server) exportAgentHandler(c *gin.Context) {
	text, err := s.registry.ExportYAML(c.Request.Context(), c.Param("agent_id"), c.Query("version"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", text)
}

// publishAgentHandler handles POST /api/v1/agents/:agent_id/versions/:version/publish.
// Publishing makes the version eligible for event routing.
func (s *Server) publishAgentHandler(c *gin.Context) {
	agentID, version := c.Param("agent_id"), c.Param("version")
	if err := s.registry.Publish(c.Request.Context(), agentID, version); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.router.Refresh(c.Request.Context()); err != nil {
		s.logger.Warn("Router refresh after publish failed", "agent_id", agentID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "version": version, "status": "published"})
}

// deprecateAgentHandler handles POST /api/v1/agents/:agent_id/versions/:version/deprecate.
func (s *Server) deprecateAgentHandler(c *gin.Context) {
	agentID, version := c.Param("agent_id"), c.Param("version")
	if err := s.registry.Deprecate(c.Request.Context(), agentID, version); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.router.Refresh(c.Request.Context()); err != nil {
		s.logger.Warn("Router refresh after deprecate failed", "agent_id", agentID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "version": version, "status": "deprecated"})
}

// deleteAgentHandler handles DELETE /api/v1/agents/:agent_id/versions/:version.
func (s *Server) deleteAgentHandler(c *gin.Context) {
	if err := s.registry.Delete(c.Request.Context(), c.Param("agent_id"), c.Param("version")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
