package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

// ImageHandler handles image-related HTTP requests.
type ImageHandler struct {
	responder
	imageService *service.ImageService
}

// NewImageHandler creates a new image handler.
func NewImageHandler(imageService *service.ImageService, m *metrics.Metrics, logger *zap.Logger) *ImageHandler {
	return &ImageHandler{
		responder:    newResponder(m, logger),
		imageService: imageService,
	}
}

// PullImageRequest is the body of POST /api/images/pull.
type PullImageRequest struct {
	Image string `json:"image"`
	Tag   string `json:"tag"`
}

// Register mounts the image routes on rg.
func (h *ImageHandler) Register(rg *gin.RouterGroup) {
	images := rg.Group("/images")
	images.GET("", h.ListImages)
	images.GET("/inspect", h.InspectImage)
	images.DELETE("", h.RemoveImage)
	images.GET("/search", h.SearchImages)
	images.POST("/pull", h.PullImage)
	images.POST("/build", h.BuildImage)
	images.POST("/prune", h.PruneImages)
	images.GET("/:id", h.InspectImage)
	images.DELETE("/:id", h.RemoveImage)
}

// ListImages handles GET /api/images
// Query parameters:
//   - all: boolean (include intermediate images)
func (h *ImageHandler) ListImages(c *gin.Context) {
	all, err := queryBool(c, "all", false)
	if err != nil {
		h.fail(c, err)
		return
	}

	images, err := h.imageService.List(c.Request.Context(), all)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "images", images)
}

// imageRef reads the image reference from the path, or from the ref query
// parameter for references such as library/nginx:1 that contain a slash.
func imageRef(c *gin.Context) (string, error) {
	if id := c.Param("id"); id != "" {
		return id, nil
	}
	if ref := c.Query("ref"); ref != "" {
		return ref, nil
	}
	return "", apperr.New(apperr.KindInvalidRequest, "Image reference is required")
}

// InspectImage handles GET /api/images/:id and GET /api/images/inspect?ref=
func (h *ImageHandler) InspectImage(c *gin.Context) {
	ref, err := imageRef(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	image, err := h.imageService.Get(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "image", image)
}

// PullImage handles POST /api/images/pull
func (h *ImageHandler) PullImage(c *gin.Context) {
	var req PullImageRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.imageService.Pull(c.Request.Context(), req.Image, req.Tag)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "image", result)
}

// BuildImage handles POST /api/images/build
// The build context is a directory on the daemon's host.
func (h *ImageHandler) BuildImage(c *gin.Context) {
	var req service.BuildImageRequest
	if err := bindStrict(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.imageService.Build(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, "image", result)
}

// RemoveImage handles DELETE /api/images/:id and DELETE /api/images?ref=
// Query parameters:
//   - force: boolean (remove even if tagged in several repositories)
//   - no_prune: boolean (keep untagged parents)
func (h *ImageHandler) RemoveImage(c *gin.Context) {
	ref, err := imageRef(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	force, err := queryBool(c, "force", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	noPrune, err := queryBool(c, "no_prune", false)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.imageService.Remove(c.Request.Context(), ref, force, noPrune)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}

// SearchImages handles GET /api/images/search
// Query parameters:
//   - term: string (required)
//   - limit: integer (default 25)
func (h *ImageHandler) SearchImages(c *gin.Context) {
	limit, err := queryInt(c, "limit", service.DefaultSearchLimit)
	if err != nil {
		h.fail(c, err)
		return
	}

	results, err := h.imageService.Search(c.Request.Context(), c.Query("term"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "results", results)
}

// PruneImages handles POST /api/images/prune
// Query parameters:
//   - dangling_only: boolean (default true; false removes every unused image)
func (h *ImageHandler) PruneImages(c *gin.Context) {
	danglingOnly, err := queryBool(c, "dangling_only", true)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.imageService.Prune(c.Request.Context(), danglingOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "result", result)
}
