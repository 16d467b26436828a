package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

// NetworkHandler handles network-related HTTP requests.
type NetworkHandler struct {
	responder
	networkService *service.NetworkService
}

// NewNetworkHandler creates a new network handler.
func NewNetworkHandler(networkService *service.NetworkService, m *metrics.Metrics, logger *zap.Logger) *NetworkHandler {
	return &NetworkHandler{
		responder:      newResponder(m, logger),
		networkService: networkService,
	}
}

// DisconnectRequest is the body of POST /api/networks/:id/disconnect.
type DisconnectRequest struct {
	Container string `json:"container"`
	Force     bool   `json:"force"`
}

// Register mounts the network routes on rg.
func (h *NetworkHandler) Register(rg *gin.RouterGroup) {
	networks := rg.Group("/networks")
	networks.GET("", h.ListNetworks)
	networks.POST("", h.CreateNetwork)
	networks.GET("/stats", h.NetworkStats)
	networks.POST("/prune", h.PruneNetworks)
	networks.GET("/:id", h.InspectNetwork)
	networks.DELETE("/:id", h.RemoveNetwork)
	networks.POST("/:id/connect", h.ConnectContainer)
	networks.POST("/:id/disconnect", h.DisconnectContainer)
}

// ListNetworks handles GET /api/networks
func (h *NetworkHandler) ListNetworks(c *gin.Context) {
	networks, err := h.networkService.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "networks", networks)
}

// InspectNetwork handles GET /api/networks/:id
func (h *NetworkHandler) InspectNetwork(c *gin.Context) {
	detail, err := h.networkService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "network", detail)
}

// CreateNetwork handles POST /api/networks
func (h *NetworkHandler) CreateNetwork(c *gin.Context) {
	var req service.CreateNetworkRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.networkService.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, "network", result)
}

// RemoveNetwork handles DELETE /api/networks/:id
func (h *NetworkHandler) RemoveNetwork(c *gin.Context) {
	result, err := h.networkService.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// ConnectContainer handles POST /api/networks/:id/connect
func (h *NetworkHandler) ConnectContainer(c *gin.Context) {
	var req service.ConnectRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.networkService.Connect(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// DisconnectContainer handles POST /api/networks/:id/disconnect
func (h *NetworkHandler) DisconnectContainer(c *gin.Context) {
	var req DisconnectRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.networkService.Disconnect(c.Request.Context(), c.Param("id"), req.Container, req.Force)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// PruneNetworks handles POST /api/networks/prune
func (h *NetworkHandler) PruneNetworks(c *gin.Context) {
	result, err := h.networkService.Prune(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// NetworkStats handles GET /api/networks/stats
func (h *NetworkHandler) NetworkStats(c *gin.Context) {
	stats, err := h.networkService.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "stats", stats)
}
