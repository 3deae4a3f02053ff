package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"podforge/internal/identity"
	"podforge/internal/jobs"
	"podforge/internal/tasks"
	"podforge/internal/workflow"
)

// writeError maps domain errors onto HTTP statuses. Cross-tenant access has
// already been collapsed into jobs.ErrNotFound by the store, so the mapping
// never needs tenancy awareness.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated),
		errors.Is(err, identity.ErrInvalidCredential),
		errors.Is(err, identity.ErrMissingTenant):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, workflow.ErrNotRegenerable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrImmutableInputs), errors.Is(err, workflow.ErrNoInputs):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, tasks.ErrUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
