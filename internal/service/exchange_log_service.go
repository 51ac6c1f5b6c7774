package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/logger"
	"github.com/wfunc/serial-bridge/internal/models"
	"github.com/wfunc/serial-bridge/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExchangeLogService 交换日志服务。
// 桥接器的交换事件先进内存缓冲，由后台协程批量落库，
// 不在命令执行路径上做任何同步IO。
type ExchangeLogService struct {
	repo      *repository.ExchangeLogRepository
	logger    *zap.Logger
	mu        sync.Mutex
	buffer    []*models.ExchangeLog
	bufferCh  chan *models.ExchangeLog
	flushCh   chan chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	sessionID string
}

// NewExchangeLogService 创建交换日志服务
func NewExchangeLogService(db *gorm.DB) *ExchangeLogService {
	service := &ExchangeLogService{
		repo:      repository.NewExchangeLogRepository(db),
		logger:    logger.GetLogger(),
		buffer:    make([]*models.ExchangeLog, 0, 100),
		bufferCh:  make(chan *models.ExchangeLog, 1000),
		flushCh:   make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		sessionID: uuid.New().String(),
	}

	// 启动后台写入协程
	go service.backgroundWriter()

	return service
}

// Record 记录一次交换（桥接器观察者入口，非阻塞）
func (s *ExchangeLogService) Record(ex bridge.Exchange) {
	log := &models.ExchangeLog{
		RequestID: ex.RequestID,
		SessionID: s.sessionID,
		Source:    models.ExchangeSource(ex.Source),
		UserID:    ex.UserID,
		ChannelID: ex.ChannelID,
		Device:    ex.Device,
		Command:   ex.Command,
		Reply:     ex.Reply,
		Status:    models.ExchangeStatus(ex.Status),
		ErrCode:   ex.ErrCode,
		ErrMsg:    ex.ErrMsg,
		Duration:  ex.Duration.Milliseconds(),
		CreatedAt: ex.Timestamp,
		Timestamp: ex.Timestamp.UnixMilli(),
	}

	select {
	case s.bufferCh <- log:
	default:
		s.logger.Warn("交换日志缓冲区满，丢弃日志",
			zap.String("request_id", ex.RequestID))
	}
}

// backgroundWriter 后台写入协程
func (s *ExchangeLogService) backgroundWriter() {
	defer close(s.done)

	ticker := time.NewTicker(5 * time.Second) // 每5秒批量写入一次
	defer ticker.Stop()

	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			// 缓冲区满时立即写入
			if len(s.buffer) >= 100 {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case ack := <-s.flushCh:
			s.drainChannel()
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()
			close(ack)

		case <-s.stopCh:
			// 退出前写入剩余的日志
			s.drainChannel()
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

// drainChannel 把通道里的日志搬进缓冲
func (s *ExchangeLogService) drainChannel() {
	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			s.mu.Unlock()
		default:
			return
		}
	}
}

// flushBuffer 写入缓冲区的日志到数据库（调用方持有锁）
func (s *ExchangeLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	if err := s.repo.BulkInsertWithConflict(s.buffer); err != nil {
		s.logger.Error("批量写入交换日志失败", zap.Error(err))
	} else {
		s.logger.Debug("批量写入交换日志成功", zap.Int("count", len(s.buffer)))
	}

	// 清空缓冲区
	s.buffer = s.buffer[:0]
}

// Flush 立即写入所有待落库的日志。
// 请求交给写入协程处理，保证在此之前Record的日志都已落库。
func (s *ExchangeLogService) Flush() {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
		<-ack
	case <-s.done:
		// 写入协程已退出，直接冲刷残留
		s.drainChannel()
		s.mu.Lock()
		s.flushBuffer()
		s.mu.Unlock()
	}
}

// Query 查询日志
func (s *ExchangeLogService) Query(query *models.ExchangeLogQuery) ([]*models.ExchangeLog, int64, error) {
	return s.repo.Query(query)
}

// GetByRequestID 按请求ID查询
func (s *ExchangeLogService) GetByRequestID(requestID string) (*models.ExchangeLog, error) {
	return s.repo.GetByRequestID(requestID)
}

// GetStats 获取统计信息
func (s *ExchangeLogService) GetStats(startTime, endTime *time.Time) (*models.ExchangeLogStats, error) {
	return s.repo.GetStats(startTime, endTime)
}

// GetLatestLogs 获取最新的日志
func (s *ExchangeLogService) GetLatestLogs(limit int, source models.ExchangeSource) ([]*models.ExchangeLog, error) {
	return s.repo.GetLatest(limit, source)
}

// GetErrorLogs 获取失败的交换记录
func (s *ExchangeLogService) GetErrorLogs(limit int) ([]*models.ExchangeLog, error) {
	return s.repo.GetErrorLogs(limit)
}

// CleanupOldLogs 清理旧日志
func (s *ExchangeLogService) CleanupOldLogs(retentionDays int) (int64, error) {
	return s.repo.CleanupLogs(retentionDays)
}

// ExportLogs 导出日志为JSON格式
func (s *ExchangeLogService) ExportLogs(query *models.ExchangeLogQuery) ([]byte, error) {
	logs, _, err := s.Query(query)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(logs, "", "  ")
}

// SessionID 本次进程的会话ID
func (s *ExchangeLogService) SessionID() string {
	return s.sessionID
}

// Close 关闭服务，等待缓冲写入完成
func (s *ExchangeLogService) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		s.logger.Warn("交换日志服务关闭超时")
	}
}
