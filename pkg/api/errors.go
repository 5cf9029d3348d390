package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/horizon-qa/atlas/pkg/locks"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/pkg/runtime"
)

// errorBody is the uniform error envelope. Kind is a stable machine tag;
// message is for humans.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// respondError maps component sentinel errors to HTTP responses.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, registry.ErrValidation):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, runtime.ErrInstanceNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrAlreadyExists):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, locks.ErrNotHeld):
		status, kind = http.StatusNotFound, "not_held"
	case errors.Is(err, locks.ErrNotOwner):
		status, kind = http.StatusConflict, "not_owner"
	case errors.Is(err, runtime.ErrInstanceStopped):
		status, kind = http.StatusConflict, "instance_stopped"
	case errors.Is(err, runtime.ErrQueueFull):
		status, kind = http.StatusTooManyRequests, "queue_full"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Unexpected API error", "path", c.Request.URL.Path, "error", err)
		c.JSON(status, errorBody{Kind: kind, Message: "internal server error"})
		return
	}
	c.JSON(status, errorBody{Kind: kind, Message: err.Error()})
}

// badRequest reports a request-shape problem before any component is called.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Message: msg})
}
