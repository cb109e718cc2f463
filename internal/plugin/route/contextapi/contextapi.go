// Package contextapi exposes the ranked context retrieval endpoint.
package contextapi

import (
	"net/http"

	"github.com/antigravity/cortex/internal/apierr"
	"github.com/antigravity/cortex/internal/model"
	"github.com/antigravity/cortex/internal/retrieval"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the context endpoint on the given router.
func MountRoutes(r *gin.Engine, retriever *retrieval.Retriever, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)
	g.POST("/context", func(c *gin.Context) { postContext(c, retriever) })
}

type contextRequest struct {
	Query   string  `json:"query"`
	UserID  *string `json:"user_id"`
	Scope   *string `json:"scope"`
	AgentID *string `json:"agent_id"`
	K       int     `json:"k"`
	// IncludeGlobal defaults to true for agent-scoped queries.
	IncludeGlobal  *bool `json:"include_global"`
	IncludeRetired bool  `json:"include_retired"`
	BudgetChars    int   `json:"budget_chars"`
	Synthesize     bool  `json:"synthesize"`
}

func postContext(c *gin.Context, retriever *retrieval.Retriever) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "query is required"))
		return
	}
	if req.K < 0 || req.K > 100 {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "k must be between 1 and 100"))
		return
	}

	userID := model.DefaultUserID
	if req.UserID != nil && *req.UserID != "" {
		parsed, err := uuid.Parse(*req.UserID)
		if err != nil {
			apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "user_id must be a UUID"))
			return
		}
		userID = parsed
	}

	var scope model.Scope
	if req.Scope != nil {
		scope = model.Scope(*req.Scope)
	}
	includeGlobal := true
	if req.IncludeGlobal != nil {
		includeGlobal = *req.IncludeGlobal
	}

	result, err := retriever.Retrieve(c.Request.Context(), retrieval.Request{
		UserID:         userID,
		Scope:          scope,
		AgentID:        req.AgentID,
		IncludeGlobal:  includeGlobal,
		IncludeRetired: req.IncludeRetired,
		Query:          req.Query,
		K:              req.K,
		BudgetChars:    req.BudgetChars,
		Synthesize:     req.Synthesize,
	})
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
