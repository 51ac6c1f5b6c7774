package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/serial-bridge/internal/bridge"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/middleware"
	"go.uber.org/zap"
)

// BridgeHandler 串口桥接器管理接口
type BridgeHandler struct {
	bridge *bridge.Bridge
	logger *zap.Logger
}

// NewBridgeHandler 创建桥接器处理器
func NewBridgeHandler(b *bridge.Bridge, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{
		bridge: b,
		logger: logger,
	}
}

// ExecuteCommandRequest 执行命令请求
type ExecuteCommandRequest struct {
	Command   string `json:"command" binding:"required"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// ExecuteCommandResponse 执行命令响应
type ExecuteCommandResponse struct {
	Command    string `json:"command"`
	Reply      string `json:"reply"`
	DurationMS int64  `json:"duration_ms"`
}

// GetStatus 获取桥接器状态
// @Summary 桥接器状态
// @Description 返回串口连接状态、队列深度和累计统计
// @Tags Bridge
// @Security Bearer
// @Produce json
// @Success 200 {object} bridge.Status
// @Router /api/v1/bridge/status [get]
func (h *BridgeHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.GetStatus())
}

// Execute 执行串口命令
// @Summary 执行串口命令
// @Description 把命令写入串口并等待完整响应
// @Tags Bridge
// @Security Bearer
// @Accept json
// @Produce json
// @Param request body ExecuteCommandRequest true "命令"
// @Success 200 {object} ExecuteCommandResponse
// @Failure 400 {object} apperrors.ErrorResponse
// @Failure 408 {object} apperrors.ErrorResponse
// @Failure 503 {object} apperrors.ErrorResponse
// @Router /api/v1/bridge/execute [post]
func (h *BridgeHandler) Execute(c *gin.Context) {
	var req ExecuteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrInvalidParam, "请求参数错误"))
		return
	}

	username, _ := middleware.GetUsername(c)

	start := time.Now()
	reply, err := h.bridge.ExecuteRequest(c.Request.Context(), bridge.Request{
		Command:   req.Command,
		Source:    bridge.SourceConsole,
		UserID:    username,
		ChannelID: "admin-api",
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ExecuteCommandResponse{
		Command:    req.Command,
		Reply:      reply,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// Connect 连接串口
// @Summary 连接串口
// @Tags Bridge
// @Security Bearer
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 503 {object} apperrors.ErrorResponse
// @Router /api/v1/bridge/connect [post]
func (h *BridgeHandler) Connect(c *gin.Context) {
	err := h.bridge.Connect()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrAlreadyExists) {
			c.JSON(http.StatusOK, SuccessResponse{
				Message: "串口已连接",
				Data:    h.bridge.GetStatus(),
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "串口连接成功",
		Data:    h.bridge.GetStatus(),
	})
}

// Disconnect 断开串口
// @Summary 断开串口
// @Tags Bridge
// @Security Bearer
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 503 {object} apperrors.ErrorResponse
// @Router /api/v1/bridge/disconnect [post]
func (h *BridgeHandler) Disconnect(c *gin.Context) {
	if err := h.bridge.Disconnect(); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "串口已断开",
	})
}

// Flush 清空串口缓冲
// @Summary 清空串口缓冲
// @Description 丢弃串口输入缓冲里的残留数据
// @Tags Bridge
// @Security Bearer
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 503 {object} apperrors.ErrorResponse
// @Router /api/v1/bridge/flush [post]
func (h *BridgeHandler) Flush(c *gin.Context) {
	if err := h.bridge.Flush(); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "缓冲已清空",
	})
}

// GetSettings 获取串口参数
// @Summary 获取串口参数
// @Tags Bridge
// @Security Bearer
// @Produce json
// @Success 200 {object} bridge.Settings
// @Router /api/v1/bridge/settings [get]
func (h *BridgeHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.CurrentSettings())
}

// UpdateSettings 更新串口参数
// @Summary 更新串口参数
// @Description 更新波特率等参数，下次连接时生效
// @Tags Bridge
// @Security Bearer
// @Accept json
// @Produce json
// @Param request body bridge.Settings true "串口参数"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} apperrors.ErrorResponse
// @Router /api/v1/bridge/settings [put]
func (h *BridgeHandler) UpdateSettings(c *gin.Context) {
	settings := h.bridge.CurrentSettings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrInvalidParam, "请求参数错误"))
		return
	}

	if err := h.bridge.UpdateSettings(settings); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("串口参数已通过API更新",
		zap.String("port", settings.Port),
		zap.Int("baud_rate", settings.BaudRate))

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "参数已更新",
		Data:    settings,
	})
}

// respondError 把错误转换成HTTP响应
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrUnknown)
	}

	// 响应里不携带调用栈
	sanitized := &apperrors.AppError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}

	c.JSON(appErr.HTTPStatus(), apperrors.NewErrorResponse(sanitized, c.GetHeader("X-Request-ID")))
}
