package system

import (
	"net/http"
	"sync/atomic"

	registryroute "github.com/antigravity/cortex/internal/registry/route"
	registrystore "github.com/antigravity/cortex/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ready atomic.Bool
	store atomic.Pointer[storeHolder]
)

type storeHolder struct {
	s registrystore.MemoryStore
}

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// SetStore wires the datastore used by the health check.
func SetStore(s registrystore.MemoryStore) {
	store.Store(&storeHolder{s: s})
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Loader: func(r *gin.Engine) error {
			// Liveness: process is up and the datastore answers a ping.
			r.GET("/health", func(c *gin.Context) {
				if h := store.Load(); h != nil && h.s != nil {
					if err := h.s.Ping(c.Request.Context()); err != nil {
						c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
						return
					}
				}
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: service has finished initializing
			r.GET("/ready", func(c *gin.Context) {
				if ready.Load() {
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
				} else {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
				}
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}
