package handler

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

const wsWriteWait = 10 * time.Second

// LogHandler handles container log requests.
type LogHandler struct {
	responder
	containerService *service.ContainerService
	upgrader         websocket.Upgrader
}

// NewLogHandler creates a new log handler. allowedOrigins limits which
// browser origins may open a log stream; "*" allows any.
func NewLogHandler(containerService *service.ContainerService, allowedOrigins []string, m *metrics.Metrics, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		responder:        newResponder(m, logger),
		containerService: containerService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// Register mounts the log routes on rg.
func (h *LogHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/containers/:id/logs", h.GetLogs)
	rg.GET("/containers/:id/logs/stream", h.StreamLogs)
	rg.GET("/containers/:id/logs/download", h.DownloadLogs)
}

// GetLogs handles GET /api/containers/:id/logs
// Query parameters:
//   - tail: integer (number of lines from the end, default 100)
func (h *LogHandler) GetLogs(c *gin.Context) {
	tail, err := queryInt(c, "tail", service.DefaultLogTail)
	if err != nil {
		h.fail(c, err)
		return
	}

	logs, err := h.containerService.Logs(c.Request.Context(), c.Param("id"), tail, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, "logs", logs)
}

// StreamLogs handles GET /api/containers/:id/logs/stream (WebSocket)
// Query parameters:
//   - tail: integer (lines of history sent before following)
func (h *LogHandler) StreamLogs(c *gin.Context) {
	tail, err := queryInt(c, "tail", service.DefaultLogTail)
	if err != nil {
		h.fail(c, err)
		return
	}
	// Resolve before upgrading so a missing container is a plain 404.
	if _, err := h.containerService.Get(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client only ever sends a close frame.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = h.containerService.StreamLogs(ctx, c.Param("id"), tail, &websocketWriter{conn: conn})
	if err != nil {
		h.logger.Warn("log stream ended with error", zap.String("container", c.Param("id")), zap.Error(err))
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteMessage(websocket.TextMessage, []byte("Error: "+err.Error()+"\n"))
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// DownloadLogs handles GET /api/containers/:id/logs/download
// Responds with a zip archive holding the full timestamped log.
func (h *LogHandler) DownloadLogs(c *gin.Context) {
	var buf bytes.Buffer
	filename, err := h.containerService.ArchiveLogs(c.Request.Context(), c.Param("id"), &buf)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(filename))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// websocketWriter sends each write as one text message.
type websocketWriter struct {
	conn *websocket.Conn
}

func (w *websocketWriter) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, apperr.Wrap(apperr.KindUpstreamFailure, err, "websocket write failed: %s", err.Error())
	}
	return len(p), nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
