package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/core/models"
	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

// ActionLister reads the audit trail. *repository.ActionLogRepository
// satisfies it.
type ActionLister interface {
	List(ctx context.Context, filter models.ActionLogFilter) ([]*models.ActionLog, error)
}

// SystemHandler serves daemon-wide information, health and the audit trail.
type SystemHandler struct {
	responder
	systemService *service.SystemService
	actions       ActionLister
}

// NewSystemHandler creates a new system handler. actions may be nil when the
// audit trail is disabled.
func NewSystemHandler(systemService *service.SystemService, actions ActionLister, m *metrics.Metrics, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		responder:     newResponder(m, logger),
		systemService: systemService,
		actions:       actions,
	}
}

// Register mounts the system and audit routes on rg.
func (h *SystemHandler) Register(rg *gin.RouterGroup) {
	system := rg.Group("/system")
	system.GET("/version", h.Version)
	system.GET("/info", h.Info)
	system.GET("/disk-usage", h.DiskUsage)
	system.GET("/status", h.DaemonStatus)
	system.GET("/stats", h.OverallStatistics)
	system.GET("/host", h.HostInfo)

	rg.GET("/actions", h.ListActions)
}

// Health handles GET /health. It answers 503 while the daemon is unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	status := h.systemService.DaemonStatus(c.Request.Context())

	code := http.StatusOK
	health := "healthy"
	if !status.Ping {
		code = http.StatusServiceUnavailable
		health = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":  health,
		"docker":  status,
		"time":    time.Now().UTC(),
		"success": code == http.StatusOK,
	})
}

// Version handles GET /api/system/version
func (h *SystemHandler) Version(c *gin.Context) {
	v, err := h.systemService.Version(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "version", v)
}

// Info handles GET /api/system/info
func (h *SystemHandler) Info(c *gin.Context) {
	info, err := h.systemService.Info(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "info", info)
}

// DiskUsage handles GET /api/system/disk-usage
func (h *SystemHandler) DiskUsage(c *gin.Context) {
	report, err := h.systemService.DiskUsage(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "disk_usage", report)
}

// DaemonStatus handles GET /api/system/status. It always answers 200; the
// body says whether the daemon is running.
func (h *SystemHandler) DaemonStatus(c *gin.Context) {
	h.ok(c, http.StatusOK, "daemon", h.systemService.DaemonStatus(c.Request.Context()))
}

// OverallStatistics handles GET /api/system/stats
func (h *SystemHandler) OverallStatistics(c *gin.Context) {
	stats, err := h.systemService.OverallStatistics(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "stats", stats)
}

// HostInfo handles GET /api/system/host
func (h *SystemHandler) HostInfo(c *gin.Context) {
	snapshot, err := h.systemService.HostInfo(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "host", snapshot)
}

// ListActions handles GET /api/actions
// Query parameters:
//   - resource_type: container, image, volume or network
//   - resource_id: string
//   - limit: integer (default 100)
func (h *SystemHandler) ListActions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.actions == nil {
		h.ok(c, http.StatusOK, "actions", []*models.ActionLog{})
		return
	}

	logs, err := h.actions.List(c.Request.Context(), models.ActionLogFilter{
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
		Limit:        limit,
	})
	if err != nil {
		h.fail(c, apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to read action log: %s", err.Error()))
		return
	}
	h.ok(c, http.StatusOK, "actions", logs)
}

// Command describes one route in the catalog.
type Command struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Commands returns a handler for GET /api/commands listing every route
// registered on engine.
func Commands(engine *gin.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		routes := engine.Routes()
		commands := make([]Command, 0, len(routes))
		for _, r := range routes {
			commands = append(commands, Command{Method: r.Method, Path: r.Path})
		}
		sort.Slice(commands, func(i, j int) bool {
			if commands[i].Path != commands[j].Path {
				return commands[i].Path < commands[j].Path
			}
			return commands[i].Method < commands[j].Method
		})
		c.JSON(http.StatusOK, gin.H{"commands": commands, "success": true})
	}
}
