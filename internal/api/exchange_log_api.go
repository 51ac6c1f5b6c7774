package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/serial-bridge/internal/models"
	"github.com/wfunc/serial-bridge/internal/service"
)

// ExchangeLogAPI 交换日志查询接口
type ExchangeLogAPI struct {
	service *service.ExchangeLogService
}

// NewExchangeLogAPI 创建交换日志API
func NewExchangeLogAPI(service *service.ExchangeLogService) *ExchangeLogAPI {
	return &ExchangeLogAPI{
		service: service,
	}
}

// RegisterRoutes 注册路由
func (api *ExchangeLogAPI) RegisterRoutes(router *gin.RouterGroup) {
	logs := router.Group("/exchange-logs")
	{
		logs.GET("", api.QueryLogs)            // 查询日志列表
		logs.GET("/latest", api.GetLatestLogs) // 获取最新日志
		logs.GET("/stats", api.GetStats)       // 获取统计信息
		logs.GET("/errors", api.GetErrorLogs)  // 获取错误日志
		logs.POST("/cleanup", api.CleanupLogs) // 清理旧日志
		logs.GET("/export", api.ExportLogs)    // 导出日志
	}
}

// parseLogQuery 从查询参数构造日志过滤条件
func parseLogQuery(c *gin.Context) *models.ExchangeLogQuery {
	query := &models.ExchangeLogQuery{}

	if source := c.Query("source"); source != "" {
		query.Source = models.ExchangeSource(source)
	}
	if status := c.Query("status"); status != "" {
		query.Status = models.ExchangeStatus(status)
	}
	query.Command = c.Query("command")
	query.UserID = c.Query("user_id")
	query.ChannelID = c.Query("channel_id")
	query.RequestID = c.Query("request_id")
	query.SessionID = c.Query("session_id")

	// 时间范围
	if startTime := c.Query("start_time"); startTime != "" {
		if t, err := time.Parse(time.RFC3339, startTime); err == nil {
			query.StartTime = &t
		}
	}
	if endTime := c.Query("end_time"); endTime != "" {
		if t, err := time.Parse(time.RFC3339, endTime); err == nil {
			query.EndTime = &t
		}
	}

	// 是否有错误
	if hasError := c.Query("has_error"); hasError == "true" {
		b := true
		query.HasError = &b
	}

	return query
}

// QueryLogs 查询日志列表
// @Summary 查询交换日志
// @Description 按来源、状态、命令、用户等条件分页查询
// @Tags ExchangeLogs
// @Security Bearer
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/exchange-logs [get]
func (api *ExchangeLogAPI) QueryLogs(c *gin.Context) {
	query := parseLogQuery(c)

	// 分页参数
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	query.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	query.OrderBy = c.DefaultQuery("order_by", "created_at DESC")

	logs, total, err := api.service.Query(query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "查询失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   logs,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

// GetLatestLogs 获取最新日志
// @Summary 最新交换日志
// @Tags ExchangeLogs
// @Security Bearer
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/exchange-logs/latest [get]
func (api *ExchangeLogAPI) GetLatestLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	source := models.ExchangeSource(c.Query("source"))

	logs, err := api.service.GetLatestLogs(limit, source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  logs,
		"count": len(logs),
	})
}

// GetStats 获取统计信息
// @Summary 交换日志统计
// @Description 按时间范围统计成功、超时、失败数量和耗时
// @Tags ExchangeLogs
// @Security Bearer
// @Produce json
// @Success 200 {object} models.ExchangeLogStats
// @Router /api/v1/exchange-logs/stats [get]
func (api *ExchangeLogAPI) GetStats(c *gin.Context) {
	var startTime, endTime *time.Time

	if start := c.Query("start_time"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			startTime = &t
		}
	}
	if end := c.Query("end_time"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			endTime = &t
		}
	}

	stats, err := api.service.GetStats(startTime, endTime)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取统计失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetErrorLogs 获取错误日志
// @Summary 最近的失败交换
// @Tags ExchangeLogs
// @Security Bearer
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/exchange-logs/errors [get]
func (api *ExchangeLogAPI) GetErrorLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := api.service.GetErrorLogs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取错误日志失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  logs,
		"count": len(logs),
	})
}

// CleanupLogs 清理旧日志
// @Summary 清理旧日志
// @Description 删除超过保留天数的日志
// @Tags ExchangeLogs
// @Security Bearer
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/exchange-logs/cleanup [post]
func (api *ExchangeLogAPI) CleanupLogs(c *gin.Context) {
	retentionDays, _ := strconv.Atoi(c.DefaultPostForm("retention_days", "30"))
	if retentionDays < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "保留天数必须大于0",
		})
		return
	}

	count, err := api.service.CleanupOldLogs(retentionDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "清理失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "清理成功",
		"deleted":        count,
		"retention_days": retentionDays,
	})
}

// ExportLogs 导出日志
// @Summary 导出交换日志
// @Description 按过滤条件导出JSON文件
// @Tags ExchangeLogs
// @Security Bearer
// @Produce json
// @Success 200 {string} string "JSON文件"
// @Router /api/v1/exchange-logs/export [get]
func (api *ExchangeLogAPI) ExportLogs(c *gin.Context) {
	query := parseLogQuery(c)

	// 导出限制
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "1000"))

	data, err := api.service.ExportLogs(query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "导出失败",
			"message": err.Error(),
		})
		return
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename=exchange_logs_export.json")
	c.Data(http.StatusOK, "application/json", data)
}
