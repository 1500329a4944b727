package controller

import (
	"buylist_backend/internal/service"
	"buylist_backend/internal/util"
	"buylist_backend/pkg/logger"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UpdatesController 实时推送：SSE 与 WebSocket 两种传输，帧格式相同
type UpdatesController struct {
	Sessions *service.SessionManager
}

func NewUpdatesController(sessions *service.SessionManager) *UpdatesController {
	return &UpdatesController{Sessions: sessions}
}

type sseWriter struct {
	w gin.ResponseWriter
}

func (s *sseWriter) WriteFrame(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteFrame(frame []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

// Updates godoc
// @Summary 订阅实时更新 (SSE)
// @Description 卡片或好友变化时推送 cardsupdate / usersupdate 事件，空闲时每 30 秒推送 keep-alive
// @Tags 实时更新
// @Produce text/event-stream
// @Security ApiKeyAuth
// @Param token query string false "JWT Token"
// @Router /api/updates [get]
func (ctrl *UpdatesController) Updates(c *gin.Context) {
	accept := c.GetHeader("Accept")
	if accept != "text/event-stream" && accept != "*/*" {
		util.Error(c, http.StatusNotFound, "non-SSE requests")
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	session := ctrl.Sessions.Open(userID, &sseWriter{w: c.Writer})
	if err := session.Run(c.Request.Context()); err != nil {
		logger.Log.Debug("SSE session ended", zap.String("userId", userID), zap.Error(err))
	}
}

// UpdatesWS 与 SSE 相同的帧，每帧一条文本消息
func (ctrl *UpdatesController) UpdatesWS(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", zap.String("userId", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	session := ctrl.Sessions.Open(userID, &wsWriter{conn: conn})

	// 读协程只用于感知断开
	go func() {
		defer session.Close()
		conn.SetReadLimit(wsMaxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Log.Debug("WebSocket unexpected close", zap.String("userId", userID), zap.Error(err))
				}
				return
			}
		}
	}()

	if err := session.Run(c.Request.Context()); err != nil {
		logger.Log.Debug("WebSocket session ended", zap.String("userId", userID), zap.Error(err))
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
