// Package memories exposes direct CRUD over stored memories.
package memories

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity/cortex/internal/apierr"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/model"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the memory CRUD endpoints on the given router.
func MountRoutes(r *gin.Engine, mgr *manager.Manager, store registrystore.MemoryStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)
	g.POST("/memories", func(c *gin.Context) { postMemory(c, mgr) })
	g.GET("/memories", func(c *gin.Context) { listMemories(c, store) })
	g.GET("/memories/:id", func(c *gin.Context) { getMemory(c, mgr) })
	g.GET("/memories/:id/audit", func(c *gin.Context) { getAudit(c, mgr, store) })
	g.PATCH("/memories/:id", func(c *gin.Context) { patchMemory(c, mgr) })
	g.DELETE("/memories/:id", func(c *gin.Context) { deleteMemory(c, mgr) })
}

type createRequest struct {
	UserID          *string                `json:"user_id"`
	Scope           *string                `json:"scope"`
	AgentID         *string                `json:"agent_id"`
	Content         string                 `json:"content"`
	MemoryType      string                 `json:"memory_type"`
	Tags            []string               `json:"tags"`
	RelatedEntities map[string]interface{} `json:"related_entities"`
	Importance      int                    `json:"importance"`
	Confidence      float64                `json:"confidence"`
	Source          *string                `json:"source"`
	EventTime       *time.Time             `json:"event_time"`
	Upsert          bool                   `json:"upsert"`
}

func postMemory(c *gin.Context, mgr *manager.Manager) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "invalid request body: %v", err))
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	scope := model.ScopeGlobal
	if req.Scope != nil {
		scope = model.Scope(*req.Scope)
	}

	m := &model.Memory{
		UserID:          userID,
		Scope:           scope,
		AgentID:         req.AgentID,
		Content:         req.Content,
		MemoryType:      model.MemoryType(req.MemoryType),
		Tags:            req.Tags,
		RelatedEntities: req.RelatedEntities,
		Importance:      req.Importance,
		Confidence:      req.Confidence,
		Source:          req.Source,
		EventTime:       req.EventTime,
	}
	created, err := mgr.CreateMemory(c.Request.Context(), m, req.Upsert, actor(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func listMemories(c *gin.Context, store registrystore.MemoryStore) {
	userID, err := parseUserID(queryPtr(c, "user_id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}

	q := registrystore.MemoryQuery{
		UserID:      userID,
		AgentID:     queryPtr(c, "agent_id"),
		Q:           c.Query("q"),
		AfterCursor: queryPtr(c, "cursor"),
		Limit:       50,
	}
	if v, ok := c.GetQuery("scope"); ok {
		scope := model.Scope(v)
		if !model.ValidScope(scope) {
			apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "unknown scope %q", v))
			return
		}
		q.Scope = &scope
	}
	if v, ok := c.GetQuery("memory_type"); ok {
		mt := model.MemoryType(v)
		if !model.ValidMemoryType(mt) {
			apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "unknown memory_type %q", v))
			return
		}
		q.MemoryType = &mt
	}
	if v, ok := c.GetQuery("tags"); ok && v != "" {
		q.Tags = strings.Split(v, ",")
	}
	if v, ok := c.GetQuery("limit"); ok {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 200 {
			apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "limit must be between 1 and 200"))
			return
		}
		q.Limit = limit
	}
	for key, dst := range map[string]**time.Time{
		"valid_at":        &q.ValidAt,
		"event_time_from": &q.EventTimeFrom,
		"event_time_to":   &q.EventTimeTo,
	} {
		if v, ok := c.GetQuery(key); ok {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "%s must be RFC3339", key))
				return
			}
			*dst = &t
		}
	}

	items, next, err := store.ListMemories(c.Request.Context(), q)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	resp := gin.H{"memories": items}
	if next != nil {
		resp["next_cursor"] = *next
	}
	c.JSON(http.StatusOK, resp)
}

func getMemory(c *gin.Context, mgr *manager.Manager) {
	userID, memoryID, err := pathIDs(c)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	m, err := mgr.GetMemory(c.Request.Context(), userID, memoryID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func getAudit(c *gin.Context, mgr *manager.Manager, store registrystore.MemoryStore) {
	userID, memoryID, err := pathIDs(c)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	// Ownership check before exposing the trail.
	if _, err := mgr.GetMemory(c.Request.Context(), userID, memoryID); err != nil {
		apierr.Write(c, err)
		return
	}
	logs, err := store.ListAuditLogs(c.Request.Context(), memoryID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

type patchRequest struct {
	UserID          *string                `json:"user_id"`
	Content         *string                `json:"content"`
	Tags            []string               `json:"tags"`
	RelatedEntities map[string]interface{} `json:"related_entities"`
	Importance      *int                   `json:"importance"`
	Confidence      *float64               `json:"confidence"`
	Source          *string                `json:"source"`
	EventTime       *time.Time             `json:"event_time"`
}

func patchMemory(c *gin.Context, mgr *manager.Manager) {
	memoryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "id must be a UUID"))
		return
	}
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "invalid request body: %v", err))
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	if req.Importance != nil && (*req.Importance < 1 || *req.Importance > 5) {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "importance must be between 1 and 5"))
		return
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "confidence must be between 0 and 1"))
		return
	}

	patch := registrystore.MemoryPatch{
		Content:         req.Content,
		Tags:            req.Tags,
		RelatedEntities: req.RelatedEntities,
		Importance:      req.Importance,
		Confidence:      req.Confidence,
		Source:          req.Source,
		EventTime:       req.EventTime,
	}
	m, err := mgr.UpdateMemory(c.Request.Context(), userID, memoryID, patch, actor(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func deleteMemory(c *gin.Context, mgr *manager.Manager) {
	userID, memoryID, err := pathIDs(c)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	hard := c.Query("hard") == "true"
	if hard && !security.IsAdmin(c) {
		apierr.Write(c, apierr.New(apierr.CodePermissionDenied, "hard delete requires admin access"))
		return
	}
	if err := mgr.DeleteMemory(c.Request.Context(), userID, memoryID, hard, actor(c)); err != nil {
		apierr.Write(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func actor(c *gin.Context) model.ActorType {
	if security.IsAdmin(c) {
		return model.ActorAdmin
	}
	return model.ActorUser
}

func pathIDs(c *gin.Context) (uuid.UUID, uuid.UUID, error) {
	memoryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, apierr.New(apierr.CodeInvalidArgument, "id must be a UUID")
	}
	userID, err := parseUserID(queryPtr(c, "user_id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return userID, memoryID, nil
}

func parseUserID(raw *string) (uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return model.DefaultUserID, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CodeInvalidArgument, "user_id must be a UUID")
	}
	return id, nil
}

func queryPtr(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok && v != "" {
		return &v
	}
	return nil
}
