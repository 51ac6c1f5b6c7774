package models

import (
	"time"

	"gorm.io/gorm"
)

// ExchangeStatus 交换结果状态
type ExchangeStatus string

const (
	ExchangeStatusOK      ExchangeStatus = "ok"
	ExchangeStatusTimeout ExchangeStatus = "timeout"
	ExchangeStatusError   ExchangeStatus = "error"
)

// ExchangeSource 命令来源
type ExchangeSource string

const (
	ExchangeSourceChat    ExchangeSource = "chat"
	ExchangeSourceConsole ExchangeSource = "console"
	ExchangeSourceDiag    ExchangeSource = "diag"
)

// ExchangeLog 串口命令交换日志
type ExchangeLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// 关联信息
	RequestID string         `gorm:"type:varchar(100);uniqueIndex" json:"request_id"`      // 请求ID
	SessionID string         `gorm:"type:varchar(100);index" json:"session_id,omitempty"`  // 进程会话ID
	Source    ExchangeSource `gorm:"type:varchar(20);index;not null" json:"source"`        // 来源 (chat/console/diag)
	UserID    string         `gorm:"type:varchar(100);index" json:"user_id,omitempty"`     // 发起用户
	ChannelID string         `gorm:"type:varchar(100);index" json:"channel_id,omitempty"`  // 发起频道
	Device    string         `gorm:"type:varchar(100)" json:"device,omitempty"`            // 串口设备路径

	// 交换内容
	Command string         `gorm:"type:varchar(255);index" json:"command"`         // 写入的命令
	Reply   string         `gorm:"type:text" json:"reply,omitempty"`               // 设备响应（多行以\n分隔）
	Status  ExchangeStatus `gorm:"type:varchar(20);index;not null" json:"status"`  // 结果状态
	ErrCode int            `gorm:"index" json:"err_code,omitempty"`                // 错误码
	ErrMsg  string         `gorm:"type:text" json:"err_msg,omitempty"`             // 错误信息

	// 性能指标
	Duration  int64 `gorm:"default:0" json:"duration"` // 处理时长（毫秒）
	Timestamp int64 `gorm:"index" json:"timestamp"`    // Unix时间戳（毫秒）
}

// TableName 指定表名
func (ExchangeLog) TableName() string {
	return "exchange_logs"
}

// BeforeCreate 创建前的钩子
func (e *ExchangeLog) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return nil
}

// ExchangeLogQuery 查询参数
type ExchangeLogQuery struct {
	Source    ExchangeSource `json:"source,omitempty"`
	Status    ExchangeStatus `json:"status,omitempty"`
	Command   string         `json:"command,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	HasError  *bool          `json:"has_error,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	OrderBy   string         `json:"order_by,omitempty"`
}

// ExchangeLogStats 统计信息
type ExchangeLogStats struct {
	TotalCount   int64   `json:"total_count"`
	TotalOK      int64   `json:"total_ok"`
	TotalTimeout int64   `json:"total_timeout"`
	TotalErrors  int64   `json:"total_errors"`
	TotalChat    int64   `json:"total_chat"`
	TotalConsole int64   `json:"total_console"`
	AvgDuration  float64 `json:"avg_duration"`
	MaxDuration  int64   `json:"max_duration"`
	MinDuration  int64   `json:"min_duration"`
}
