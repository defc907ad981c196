package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tasksync/internal/logging"
	"tasksync/internal/models"
	"tasksync/internal/server/events"
	"tasksync/internal/server/middleware"
	"tasksync/internal/server/services"
	"tasksync/internal/wire"
)

const maxBodyBytes = 8 << 20

type SyncHandler struct {
	svc *services.SyncService
	hub *events.Hub
	log *logging.Logger
}

func NewSyncHandler(svc *services.SyncService, hub *events.Hub, log *logging.Logger) *SyncHandler {
	if log == nil {
		log = logging.Nop()
	}
	return &SyncHandler{svc: svc, hub: hub, log: log}
}

type pushBody struct {
	DeviceID string            `json:"deviceId" binding:"required"`
	Changes  []services.Change `json:"changes" binding:"dive"`
}

func (h *SyncHandler) Push(c *gin.Context) {
	var body pushBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push body: " + err.Error()})
		return
	}
	applied, err := h.svc.ApplyPush(c.Request.Context(), middleware.NamespaceFromContext(c), body.DeviceID, body.Changes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "applied": applied})
}

func (h *SyncHandler) Pull(c *gin.Context) {
	since := models.None[time.Time]()
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		at, err := wire.ParseTime(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		since = models.Some(at)
	}
	tasks, err := h.svc.QueryPull(c.Request.Context(), middleware.NamespaceFromContext(c), since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// Conflict stores whatever JSON object the device reported.
func (h *SyncHandler) Conflict(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict body"})
		return
	}
	var report services.ConflictReport
	if err := json.Unmarshal(raw, &report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict body"})
		return
	}
	report.Raw = raw
	if err := h.svc.ReportConflict(c.Request.Context(), middleware.NamespaceFromContext(c), report); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "conflict-received"})
}

func (h *SyncHandler) Devices(c *gin.Context) {
	devices, err := h.svc.Devices(c.Request.Context(), middleware.NamespaceFromContext(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, gin.H{
			"deviceId":    d.DeviceID,
			"firstSeenAt": wire.FormatTime(d.FirstSeenAt),
			"lastPushAt":  wire.FormatTime(d.LastPushAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (h *SyncHandler) Log(c *gin.Context) {
	after := parseInt64Default(c.Query("after"), 0)
	limit := int(parseInt64Default(c.Query("limit"), 100))
	entries, err := h.svc.Log(c.Request.Context(), middleware.NamespaceFromContext(c), after, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	next := after
	if n := len(entries); n > 0 {
		next = entries[n-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"events": entries, "next": next})
}

func (h *SyncHandler) Events(c *gin.Context) {
	h.hub.Serve(c.Writer, c.Request, middleware.NamespaceFromContext(c))
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var invalid *services.InvalidChangeError
	switch {
	case errors.As(err, &invalid), errors.Is(err, wire.ErrMalformedWireData):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, services.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	default:
		_ = c.Error(err)
		h.log.Errorf("request %s failed: %v", middleware.RequestIDFromContext(c), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func parseInt64Default(v string, fallback int64) int64 {
	if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return i
	}
	return fallback
}
