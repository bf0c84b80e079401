package locks

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/attribution-api/pkg/response"
)

// GinHandlers contains HTTP handlers for lock maintenance endpoints
type GinHandlers struct {
	coordinator *Coordinator
}

func NewGinHandlers(coordinator *Coordinator) *GinHandlers {
	return &GinHandlers{coordinator: coordinator}
}

// SweepHandler triggers an immediate expiry sweep, outside the background
// schedule. Used operationally after a worker crash.
func (h *GinHandlers) SweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reclaimed, err := h.coordinator.Sweep()
		response.Handle(c, gin.H{"reclaimed": reclaimed}, err)
	}
}
