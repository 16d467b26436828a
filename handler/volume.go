package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

// VolumeHandler handles volume-related HTTP requests.
type VolumeHandler struct {
	responder
	volumeService *service.VolumeService
}

// NewVolumeHandler creates a new volume handler.
func NewVolumeHandler(volumeService *service.VolumeService, m *metrics.Metrics, logger *zap.Logger) *VolumeHandler {
	return &VolumeHandler{
		responder:     newResponder(m, logger),
		volumeService: volumeService,
	}
}

// Register mounts the volume routes on rg.
func (h *VolumeHandler) Register(rg *gin.RouterGroup) {
	volumes := rg.Group("/volumes")
	volumes.GET("", h.ListVolumes)
	volumes.POST("", h.CreateVolume)
	volumes.GET("/stats", h.VolumeStats)
	volumes.POST("/prune", h.PruneVolumes)
	volumes.GET("/:name", h.InspectVolume)
	volumes.DELETE("/:name", h.RemoveVolume)
}

// ListVolumes handles GET /api/volumes
func (h *VolumeHandler) ListVolumes(c *gin.Context) {
	volumes, err := h.volumeService.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "volumes", volumes)
}

// InspectVolume handles GET /api/volumes/:name
func (h *VolumeHandler) InspectVolume(c *gin.Context) {
	detail, err := h.volumeService.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "volume", detail)
}

// CreateVolume handles POST /api/volumes
func (h *VolumeHandler) CreateVolume(c *gin.Context) {
	var req service.CreateVolumeRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.volumeService.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, "volume", result)
}

// RemoveVolume handles DELETE /api/volumes/:name
// Query parameters:
//   - force: boolean (skip the in-use check)
func (h *VolumeHandler) RemoveVolume(c *gin.Context) {
	force, err := queryBool(c, "force", false)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.volumeService.Remove(c.Request.Context(), c.Param("name"), force)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// PruneVolumes handles POST /api/volumes/prune
// Query parameters:
//   - all: boolean (include named volumes, not only anonymous ones)
func (h *VolumeHandler) PruneVolumes(c *gin.Context) {
	all, err := queryBool(c, "all", false)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.volumeService.Prune(c.Request.Context(), all)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// VolumeStats handles GET /api/volumes/stats
func (h *VolumeHandler) VolumeStats(c *gin.Context) {
	stats, err := h.volumeService.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "stats", stats)
}
