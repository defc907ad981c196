// Package httpapi assembles the sync server's gin engine.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tasksync/internal/logging"
	"tasksync/internal/server/config"
	"tasksync/internal/server/handlers"
	"tasksync/internal/server/metrics"
	"tasksync/internal/server/middleware"
)

func NewRouter(cfg config.Config, h *handlers.SyncHandler, m *metrics.Metrics, log *logging.Logger) *gin.Engine {
	if log == nil {
		log = logging.Nop()
	}
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Errorf("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, rec)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log, m))

	allowed := cfg.AllowedOrigins()
	r.Use(middleware.Origins(allowed))
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.NamespaceHeader, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowed) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = allowed
	}
	r.Use(cors.New(corsCfg))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := r.Group("/sync")
	v1.Use(middleware.Auth(cfg.AuthToken))
	{
		v1.POST("/push", h.Push)
		v1.GET("/pull", h.Pull)
		v1.POST("/conflict", h.Conflict)
		v1.GET("/devices", h.Devices)
		v1.GET("/log", h.Log)
		v1.GET("/events", h.Events)
	}
	return r
}
