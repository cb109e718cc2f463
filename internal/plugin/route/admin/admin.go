// Package admin exposes operator-only endpoints.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/antigravity/cortex/internal/apierr"
	"github.com/antigravity/cortex/internal/model"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/antigravity/cortex/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the admin endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth, security.RequireAdmin())
	g.GET("/dump", func(c *gin.Context) { dump(c, store) })
}

// dump streams every current memory, optionally restricted to one user.
// format=json produces a single JSON array; format=jsonl produces one
// object per line. The response is streamed, not buffered.
func dump(c *gin.Context, store registrystore.MemoryStore) {
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "jsonl" {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "format must be json or jsonl"))
		return
	}

	var userID *uuid.UUID
	if v, ok := c.GetQuery("user_id"); ok && v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "user_id must be a UUID"))
			return
		}
		userID = &parsed
	}

	w := c.Writer
	enc := json.NewEncoder(w)

	if format == "jsonl" {
		c.Header("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		err := store.EachMemory(c.Request.Context(), userID, func(m model.Memory) error {
			return enc.Encode(m)
		})
		if err != nil {
			// Headers are already sent; the truncated stream is the signal.
			c.Abort()
		}
		return
	}

	c.Header("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("[")); err != nil {
		c.Abort()
		return
	}
	first := true
	err := store.EachMemory(c.Request.Context(), userID, func(m model.Memory) error {
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		return enc.Encode(m)
	})
	if err != nil {
		c.Abort()
		return
	}
	_, _ = w.Write([]byte("]"))
}
