package bridge

import (
	"strings"
	"sync"
	"time"

	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
	"go.uber.org/zap"
)

// ReconnectOptions 自动重连配置
type ReconnectOptions struct {
	Enabled     bool          // 是否启用自动重连
	Interval    time.Duration // 初始重连间隔
	MaxInterval time.Duration // 最大重连间隔
}

// ReconnectManager 串口断线重连管理器。
// 断线触发后按指数退避重试，直到连接成功或被停止。
type ReconnectManager struct {
	opts    ReconnectOptions
	logger  *zap.Logger
	connect func() error

	mu             sync.Mutex
	isReconnecting bool

	stopCh      chan struct{}
	reconnectCh chan struct{}
	wg          sync.WaitGroup
}

// NewReconnectManager 创建重连管理器
func NewReconnectManager(opts ReconnectOptions, connect func() error) *ReconnectManager {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}

	return &ReconnectManager{
		opts:        opts,
		logger:      logger.GetLogger(),
		connect:     connect,
		stopCh:      make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
}

// Start 启动重连循环
func (m *ReconnectManager) Start() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Stop 停止重连管理器
func (m *ReconnectManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Trigger 触发一次重连（非阻塞，重复触发会合并）
func (m *ReconnectManager) Trigger() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// 已有重连请求在等待
	}
}

// reconnectLoop 重连循环
func (m *ReconnectManager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.reconnectCh:
			m.performReconnect()
		}
	}
}

// performReconnect 执行重连，失败则指数退避重试
func (m *ReconnectManager) performReconnect() {
	m.mu.Lock()
	if m.isReconnecting {
		m.mu.Unlock()
		return
	}
	m.isReconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isReconnecting = false
		m.mu.Unlock()
	}()

	interval := m.opts.Interval

	for attempt := 1; ; attempt++ {
		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		}

		m.logger.Info("尝试重新连接串口",
			zap.Int("attempt", attempt),
			zap.Duration("interval", interval))

		err := m.connect()
		if err == nil || apperrors.Is(err, apperrors.ErrAlreadyExists) {
			m.logger.Info("串口重连成功", zap.Int("attempt", attempt))
			return
		}

		m.logger.Warn("串口重连失败",
			zap.Int("attempt", attempt),
			zap.Error(err))

		// 指数退避
		interval *= 2
		if interval > m.opts.MaxInterval {
			interval = m.opts.MaxInterval
		}
	}
}

// IsDisconnectError 判断读写错误是否意味着设备断开
func IsDisconnectError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "permission denied")
}
