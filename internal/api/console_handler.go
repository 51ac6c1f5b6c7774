package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/serial-bridge/internal/config"
	"github.com/wfunc/serial-bridge/internal/console"
	"github.com/wfunc/serial-bridge/internal/middleware"
	"go.uber.org/zap"
)

// ConsoleHandler 实时控制台WebSocket处理器
type ConsoleHandler struct {
	hub      *console.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewConsoleHandler 创建控制台处理器
func NewConsoleHandler(hub *console.Hub, cfg config.ConsoleConfig, logger *zap.Logger) *ConsoleHandler {
	readBuf := cfg.ReadBufferSize
	if readBuf <= 0 {
		readBuf = 1024
	}
	writeBuf := cfg.WriteBufferSize
	if writeBuf <= 0 {
		writeBuf = 1024
	}

	return &ConsoleHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    readBuf,
			WriteBufferSize:   writeBuf,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				// 管理接口只在内网暴露，连接已经过JWT认证
				return true
			},
		},
		logger: logger,
	}
}

// Serve 升级为WebSocket连接并接入Hub
// @Summary 实时控制台
// @Description WebSocket连接，推送命令交换记录和串口状态，可直接下发命令
// @Tags Console
// @Security Bearer
// @Router /api/v1/ws/console [get]
func (h *ConsoleHandler) Serve(c *gin.Context) {
	username, _ := middleware.GetUsername(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("控制台连接升级失败",
			zap.String("username", username),
			zap.Error(err))
		return
	}

	client := console.NewClient(h.hub, conn, username)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("控制台连接建立",
		zap.String("client_id", client.ID),
		zap.String("username", username),
		zap.String("ip", c.ClientIP()))
}

// GetOnlineCount 获取控制台在线连接数
func (h *ConsoleHandler) GetOnlineCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_count": h.hub.GetOnlineCount(),
	})
}
