package allocation

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/attribution-api/pkg/response"
)

// GinHandlers contains HTTP handlers for allocation and case endpoints
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// GetAllocationHandler handles GET requests for a persisted allocation result
// URL parameter: allocation_id
func (h *GinHandlers) GetAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		allocationID := c.Param("allocation_id")

		view, err := h.engine.GetResult(allocationID)
		response.Handle(c, view, err)
	}
}

// GetCaseHandler handles GET requests for an attribution case
// URL parameter: case_id
func (h *GinHandlers) GetCaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caseID := c.Param("case_id")

		attributionCase, err := h.engine.GetCase(caseID)
		if err == nil && attributionCase == nil {
			response.NotFound(c, "Case not found")
			return
		}
		response.Handle(c, attributionCase, err)
	}
}

// ListPendingCasesHandler handles GET requests for unresolved cases
func (h *GinHandlers) ListPendingCasesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cases, err := h.engine.PendingCases(100)
		response.Handle(c, cases, err)
	}
}

// ResolveCaseHandler handles POST requests applying a manual resolution
// URL parameter: case_id; body: Resolution
func (h *GinHandlers) ResolveCaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caseID := c.Param("case_id")

		var res Resolution
		if err := c.ShouldBindJSON(&res); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		view, err := h.engine.ResolveCase(caseID, res)
		response.Handle(c, view, err)
	}
}
