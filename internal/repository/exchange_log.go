package repository

import (
	"fmt"
	"time"

	"github.com/wfunc/serial-bridge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExchangeLogRepository 交换日志仓库
type ExchangeLogRepository struct {
	db *gorm.DB
}

// NewExchangeLogRepository 创建交换日志仓库
func NewExchangeLogRepository(db *gorm.DB) *ExchangeLogRepository {
	return &ExchangeLogRepository{
		db: db,
	}
}

// Create 创建日志记录
func (r *ExchangeLogRepository) Create(log *models.ExchangeLog) error {
	return r.db.Create(log).Error
}

// CreateBatch 批量创建日志记录
func (r *ExchangeLogRepository) CreateBatch(logs []*models.ExchangeLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.CreateInBatches(logs, 100).Error
}

// BulkInsertWithConflict 批量插入（请求ID冲突时忽略）
func (r *ExchangeLogRepository) BulkInsertWithConflict(logs []*models.ExchangeLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.Clauses(clause.OnConflict{
		DoNothing: true,
	}).CreateInBatches(logs, 100).Error
}

// GetByID 根据ID获取日志
func (r *ExchangeLogRepository) GetByID(id uint) (*models.ExchangeLog, error) {
	var log models.ExchangeLog
	err := r.db.First(&log, id).Error
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// GetByRequestID 根据请求ID获取日志
func (r *ExchangeLogRepository) GetByRequestID(requestID string) (*models.ExchangeLog, error) {
	var log models.ExchangeLog
	err := r.db.Where("request_id = ?", requestID).First(&log).Error
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// Query 查询日志
func (r *ExchangeLogRepository) Query(query *models.ExchangeLogQuery) ([]*models.ExchangeLog, int64, error) {
	db := r.db.Model(&models.ExchangeLog{})

	// 构建查询条件
	if query.Source != "" {
		db = db.Where("source = ?", query.Source)
	}
	if query.Status != "" {
		db = db.Where("status = ?", query.Status)
	}
	if query.Command != "" {
		db = db.Where("command LIKE ?", "%"+query.Command+"%")
	}
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.ChannelID != "" {
		db = db.Where("channel_id = ?", query.ChannelID)
	}
	if query.RequestID != "" {
		db = db.Where("request_id = ?", query.RequestID)
	}
	if query.SessionID != "" {
		db = db.Where("session_id = ?", query.SessionID)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", *query.EndTime)
	}
	if query.HasError != nil && *query.HasError {
		db = db.Where("status <> ?", models.ExchangeStatusOK)
	}

	// 获取总数
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 排序
	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = "created_at DESC"
	}
	db = db.Order(orderBy)

	// 分页
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	// 查询数据
	var logs []*models.ExchangeLog
	if err := db.Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// GetStats 获取统计信息
func (r *ExchangeLogRepository) GetStats(startTime, endTime *time.Time) (*models.ExchangeLogStats, error) {
	stats := &models.ExchangeLogStats{}

	scoped := func() *gorm.DB {
		db := r.db.Model(&models.ExchangeLog{})
		if startTime != nil {
			db = db.Where("created_at >= ?", *startTime)
		}
		if endTime != nil {
			db = db.Where("created_at <= ?", *endTime)
		}
		return db
	}

	// 总数统计
	if err := scoped().Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}

	// 状态统计
	if err := scoped().Where("status = ?", models.ExchangeStatusOK).
		Count(&stats.TotalOK).Error; err != nil {
		return nil, err
	}
	if err := scoped().Where("status = ?", models.ExchangeStatusTimeout).
		Count(&stats.TotalTimeout).Error; err != nil {
		return nil, err
	}
	stats.TotalErrors = stats.TotalCount - stats.TotalOK

	// 来源统计
	if err := scoped().Where("source = ?", models.ExchangeSourceChat).
		Count(&stats.TotalChat).Error; err != nil {
		return nil, err
	}
	if err := scoped().Where("source = ?", models.ExchangeSourceConsole).
		Count(&stats.TotalConsole).Error; err != nil {
		return nil, err
	}

	// 性能统计
	type DurationStats struct {
		AvgDuration float64
		MaxDuration int64
		MinDuration int64
	}
	var durationStats DurationStats
	if err := scoped().
		Select("AVG(duration) as avg_duration, MAX(duration) as max_duration, MIN(duration) as min_duration").
		Where("duration > 0").
		Scan(&durationStats).Error; err != nil {
		return nil, err
	}
	stats.AvgDuration = durationStats.AvgDuration
	stats.MaxDuration = durationStats.MaxDuration
	stats.MinDuration = durationStats.MinDuration

	return stats, nil
}

// GetLatest 获取最新的日志记录
func (r *ExchangeLogRepository) GetLatest(limit int, source models.ExchangeSource) ([]*models.ExchangeLog, error) {
	var logs []*models.ExchangeLog
	db := r.db.Order("created_at DESC").Limit(limit)
	if source != "" {
		db = db.Where("source = ?", source)
	}
	err := db.Find(&logs).Error
	return logs, err
}

// GetErrorLogs 获取失败的交换记录
func (r *ExchangeLogRepository) GetErrorLogs(limit int) ([]*models.ExchangeLog, error) {
	var logs []*models.ExchangeLog
	err := r.db.Where("status <> ?", models.ExchangeStatusOK).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// DeleteOldLogs 删除旧日志
func (r *ExchangeLogRepository) DeleteOldLogs(beforeTime time.Time) (int64, error) {
	result := r.db.Unscoped().Where("created_at < ?", beforeTime).Delete(&models.ExchangeLog{})
	return result.RowsAffected, result.Error
}

// CleanupLogs 清理日志（保留最近N天的数据）
func (r *ExchangeLogRepository) CleanupLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	beforeTime := time.Now().AddDate(0, 0, -retentionDays)
	return r.DeleteOldLogs(beforeTime)
}
