package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

// ContainerHandler handles container-related HTTP requests.
type ContainerHandler struct {
	responder
	containerService *service.ContainerService
}

// NewContainerHandler creates a new container handler.
func NewContainerHandler(containerService *service.ContainerService, m *metrics.Metrics, logger *zap.Logger) *ContainerHandler {
	return &ContainerHandler{
		responder:        newResponder(m, logger),
		containerService: containerService,
	}
}

// Register mounts the container routes on rg.
func (h *ContainerHandler) Register(rg *gin.RouterGroup) {
	containers := rg.Group("/containers")
	containers.GET("", h.ListContainers)
	containers.POST("", h.CreateContainer)
	containers.GET("/:id", h.GetContainer)
	containers.DELETE("/:id", h.RemoveContainer)
	containers.POST("/:id/start", h.StartContainer)
	containers.POST("/:id/stop", h.StopContainer)
	containers.POST("/:id/restart", h.RestartContainer)
	containers.GET("/:id/stats", h.ContainerStats)
}

// ListContainers handles GET /api/containers
// Query parameters:
//   - all: boolean (include stopped containers)
func (h *ContainerHandler) ListContainers(c *gin.Context) {
	all, err := queryBool(c, "all", false)
	if err != nil {
		h.fail(c, err)
		return
	}

	containers, err := h.containerService.List(c.Request.Context(), all)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "containers", containers)
}

// GetContainer handles GET /api/containers/:id
func (h *ContainerHandler) GetContainer(c *gin.Context) {
	container, err := h.containerService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "container", container)
}

// CreateContainer handles POST /api/containers
func (h *ContainerHandler) CreateContainer(c *gin.Context) {
	var req service.CreateContainerRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.containerService.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, "container", result)
}

// StartContainer handles POST /api/containers/:id/start
func (h *ContainerHandler) StartContainer(c *gin.Context) {
	result, err := h.containerService.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// StopContainer handles POST /api/containers/:id/stop
// Query parameters:
//   - timeout: integer seconds before the daemon kills the container
func (h *ContainerHandler) StopContainer(c *gin.Context) {
	timeout, err := queryTimeout(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.containerService.Stop(c.Request.Context(), c.Param("id"), timeout)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// RestartContainer handles POST /api/containers/:id/restart
// Query parameters:
//   - timeout: integer seconds before the daemon kills the container
func (h *ContainerHandler) RestartContainer(c *gin.Context) {
	timeout, err := queryTimeout(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.containerService.Restart(c.Request.Context(), c.Param("id"), timeout)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// RemoveContainer handles DELETE /api/containers/:id
// Query parameters:
//   - force: boolean (remove a running container)
func (h *ContainerHandler) RemoveContainer(c *gin.Context) {
	force, err := queryBool(c, "force", false)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.containerService.Remove(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// ContainerStats handles GET /api/containers/:id/stats
func (h *ContainerHandler) ContainerStats(c *gin.Context) {
	stats, err := h.containerService.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "stats", stats)
}
