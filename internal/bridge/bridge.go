package bridge

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"github.com/wfunc/serial-bridge/internal/logger"
	"go.uber.org/zap"
)

// 命令来源
const (
	SourceChat    = "chat"
	SourceConsole = "console"
	SourceDiag    = "diag"
)

// 交换结果状态
const (
	StatusOK      = "ok"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Exchange 一次命令交换的记录
type Exchange struct {
	RequestID string        `json:"request_id"`
	Source    string        `json:"source"`
	UserID    string        `json:"user_id,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	Device    string        `json:"device,omitempty"`
	Command   string        `json:"command"`
	Reply     string        `json:"reply"`
	Status    string        `json:"status"`
	ErrCode   int           `json:"err_code,omitempty"`
	ErrMsg    string        `json:"err_msg,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// StatusEvent 连接状态变化事件
type StatusEvent struct {
	Connected bool      `json:"connected"`
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
}

// Request 一次命令请求
type Request struct {
	Command   string
	Source    string
	UserID    string
	ChannelID string
	Timeout   time.Duration      // 0时按命令自适应
	OnLine    func(line string)  // 每收到一行回调（实时终端用）
}

// Options 桥接器配置
type Options struct {
	Settings             Settings
	MockMode             bool
	AutoConnect          bool
	DiscardEcho          bool
	QueueSize            int
	DefaultTimeout       time.Duration
	TimeoutOverrides     map[string]time.Duration
	CompletionIndicators []string
	DevicePatterns       []string
	Reconnect            ReconnectOptions
}

// Observer 交换事件观察者
type Observer func(Exchange)

// StatusObserver 状态事件观察者
type StatusObserver func(StatusEvent)

// line 读取循环产出的一行（带连接代次）
type line struct {
	gen  uint64
	text string
}

type result struct {
	reply string
	err   error
}

type pendingCommand struct {
	req    Request
	ctx    context.Context
	respCh chan result
}

// Bridge 串口桥接器：独占串口，串行执行命令交换
type Bridge struct {
	opts   Options
	logger *zap.Logger

	mu               sync.RWMutex
	port             Port
	device           string
	connected        bool
	generation       uint64
	needsDrain       bool // 上次交换超时，写入前需要清空残留
	userDisconnected bool

	queue    chan *pendingCommand
	lineCh   chan line
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	reconnectMgr *ReconnectManager

	obMu            sync.RWMutex
	observers       []Observer
	statusObservers []StatusObserver

	totalExchanges  uint64
	failedExchanges uint64
}

// Status 桥接器状态快照
type Status struct {
	Connected       bool          `json:"connected"`
	Device          string        `json:"device"`
	MockMode        bool          `json:"mock_mode"`
	QueueDepth      int           `json:"queue_depth"`
	QueueCapacity   int           `json:"queue_capacity"`
	TotalExchanges  uint64        `json:"total_exchanges"`
	FailedExchanges uint64        `json:"failed_exchanges"`
	DefaultTimeout  time.Duration `json:"default_timeout"`
	Settings        Settings      `json:"settings"`
}

// New 创建桥接器
func New(opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	if len(opts.CompletionIndicators) == 0 {
		opts.CompletionIndicators = []string{"OK", "ERROR", "FAIL"}
	}

	return &Bridge{
		opts:   opts,
		logger: logger.GetLogger(),
		queue:  make(chan *pendingCommand, opts.QueueSize),
		lineCh: make(chan line, 256),
		stopCh: make(chan struct{}),
	}
}

// Start 启动桥接器：启动工作协程，按配置自动连接
func (b *Bridge) Start() error {
	b.wg.Add(1)
	go b.worker()

	if b.opts.Reconnect.Enabled && !b.opts.MockMode {
		b.reconnectMgr = NewReconnectManager(b.opts.Reconnect, func() error {
			if b.isUserDisconnected() {
				return nil
			}
			return b.Connect()
		})
		b.reconnectMgr.Start()
	}

	if b.opts.AutoConnect {
		if err := b.Connect(); err != nil {
			return err
		}
	}

	return nil
}

// Stop 停止桥接器并关闭串口
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		if b.reconnectMgr != nil {
			b.reconnectMgr.Stop()
		}

		b.mu.Lock()
		if b.port != nil {
			b.port.Close()
			b.port = nil
		}
		b.connected = false
		b.generation++
		b.mu.Unlock()

		b.wg.Wait()
		b.logger.Info("桥接器已停止")
	})
}

// Connect 打开串口并启动读取循环
func (b *Bridge) Connect() error {
	if b.IsConnected() {
		return apperrors.New(apperrors.ErrAlreadyExists, "串口已连接")
	}

	if b.opts.MockMode {
		return b.connectWith(NewLoopbackPort(), "mock")
	}

	b.mu.RLock()
	settings := b.opts.Settings
	b.mu.RUnlock()

	port, device, err := openSerialPort(&settings, b.opts.DevicePatterns)
	if err != nil {
		return err
	}

	return b.connectWith(port, device)
}

// connectWith 接管一个已打开的串口
func (b *Bridge) connectWith(port Port, device string) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		port.Close()
		return apperrors.New(apperrors.ErrAlreadyExists, "串口已连接")
	}

	b.port = port
	b.device = device
	b.connected = true
	b.userDisconnected = false
	b.needsDrain = false
	b.generation++
	gen := b.generation
	settings := b.opts.Settings
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readLoop(port, gen)

	b.logger.Info("串口连接成功",
		zap.String("device", device),
		zap.Int("baud_rate", settings.BaudRate),
		zap.Bool("mock", b.opts.MockMode))
	b.emitStatus(true, device)

	return nil
}

// Disconnect 主动断开串口
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return apperrors.New(apperrors.ErrSerialNotConnected)
	}

	device := b.device
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
	b.connected = false
	b.userDisconnected = true
	b.generation++
	b.mu.Unlock()

	b.logger.Info("串口已断开", zap.String("device", device))
	b.emitStatus(false, device)

	return nil
}

// IsConnected 检查连接状态
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Device 当前设备路径
func (b *Bridge) Device() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.device
}

// GetStatus 状态快照
func (b *Bridge) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Status{
		Connected:       b.connected,
		Device:          b.device,
		MockMode:        b.opts.MockMode,
		QueueDepth:      len(b.queue),
		QueueCapacity:   cap(b.queue),
		TotalExchanges:  atomic.LoadUint64(&b.totalExchanges),
		FailedExchanges: atomic.LoadUint64(&b.failedExchanges),
		DefaultTimeout:  b.opts.DefaultTimeout,
		Settings:        b.opts.Settings,
	}
}

// CurrentSettings 当前串口参数
func (b *Bridge) CurrentSettings() Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts.Settings
}

// UpdateSettings 更新串口参数（下次连接时生效）
func (b *Bridge) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	b.opts.Settings = s
	b.mu.Unlock()

	b.logger.Info("串口参数已更新",
		zap.String("port", s.Port),
		zap.Int("baud_rate", s.BaudRate),
		zap.String("encoding", s.Encoding))
	return nil
}

// Flush 清空串口缓冲与残留行
func (b *Bridge) Flush() error {
	b.mu.RLock()
	port := b.port
	connected := b.connected
	b.mu.RUnlock()

	if !connected || port == nil {
		return apperrors.New(apperrors.ErrSerialNotConnected)
	}

	b.drainLines()

	if err := port.Flush(); err != nil {
		b.handleIOError(err)
		return apperrors.Wrap(err, apperrors.ErrSerialPortRead, "清空缓冲失败")
	}

	b.mu.Lock()
	b.needsDrain = false
	b.mu.Unlock()

	return nil
}

// AddObserver 注册交换事件观察者
func (b *Bridge) AddObserver(ob Observer) {
	b.obMu.Lock()
	defer b.obMu.Unlock()
	b.observers = append(b.observers, ob)
}

// AddStatusObserver 注册状态事件观察者
func (b *Bridge) AddStatusObserver(ob StatusObserver) {
	b.obMu.Lock()
	defer b.obMu.Unlock()
	b.statusObservers = append(b.statusObservers, ob)
}

// Execute 执行一条命令并返回设备响应
func (b *Bridge) Execute(ctx context.Context, command string) (string, error) {
	return b.ExecuteRequest(ctx, Request{Command: command, Source: SourceChat})
}

// ExecuteRequest 执行一次命令请求。
// 空命令在入队前拒绝；队列满时立即返回忙错误；
// 排队的命令按到达顺序串行执行，互不交织。
func (b *Bridge) ExecuteRequest(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Command) == "" {
		return "", apperrors.New(apperrors.ErrEmptyCommand)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Source == "" {
		req.Source = SourceChat
	}

	p := &pendingCommand{
		req:    req,
		ctx:    ctx,
		respCh: make(chan result, 1),
	}

	select {
	case b.queue <- p:
	default:
		return "", apperrors.Newf(apperrors.ErrBridgeBusy, "命令队列已满(%d)", cap(b.queue))
	}

	select {
	case res := <-p.respCh:
		return res.reply, res.err
	case <-ctx.Done():
		return "", apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled)
	case <-b.stopCh:
		return "", apperrors.New(apperrors.ErrCanceled, "服务正在关闭")
	}
}

// worker 队列消费协程：同一时刻只有一次交换在进行
func (b *Bridge) worker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			// 退出前回应仍在排队的请求
			for {
				select {
				case p := <-b.queue:
					p.respCh <- result{err: apperrors.New(apperrors.ErrCanceled, "服务正在关闭")}
				default:
					return
				}
			}
		case p := <-b.queue:
			if p.ctx != nil && p.ctx.Err() != nil {
				p.respCh <- result{err: apperrors.Wrap(p.ctx.Err(), apperrors.ErrCanceled)}
				continue
			}
			reply, err := b.execute(p.req)
			p.respCh <- result{reply: reply, err: err}
		}
	}
}

// execute 一次完整的写入-读取交换
func (b *Bridge) execute(req Request) (string, error) {
	start := time.Now()
	requestID := uuid.New().String()

	b.mu.RLock()
	port := b.port
	device := b.device
	connected := b.connected
	gen := b.generation
	settings := b.opts.Settings
	needsDrain := b.needsDrain
	b.mu.RUnlock()

	finish := func(reply string, err error) (string, error) {
		b.finishExchange(requestID, req, device, reply, err, time.Since(start))
		return reply, err
	}

	if !connected || port == nil {
		return finish("", apperrors.New(apperrors.ErrSerialNotConnected))
	}

	// 清理上一次超时交换的残留字节
	b.drainLines()
	if needsDrain {
		if err := port.Flush(); err != nil {
			b.handleIOError(err)
			return finish("", apperrors.Wrap(err, apperrors.ErrSerialPortRead, "清空残留数据失败"))
		}
		b.mu.Lock()
		b.needsDrain = false
		b.mu.Unlock()
	}

	// 编码并写入命令
	payload, err := EncodeCommand(req.Command, settings.Encoding)
	if err != nil {
		return finish("", err)
	}
	payload = append(payload, '\r', '\n')

	if _, werr := port.Write(payload); werr != nil {
		b.handleIOError(werr)
		return finish("", apperrors.Wrap(werr, apperrors.ErrSerialPortWrite))
	}

	timeout := b.timeoutFor(req)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lines []string
	echoPending := b.opts.DiscardEcho
	for {
		select {
		case <-b.stopCh:
			return finish(strings.Join(lines, "\n"), apperrors.New(apperrors.ErrCanceled, "服务正在关闭"))

		case l := <-b.lineCh:
			if l.gen != gen {
				// 旧连接的残留数据
				continue
			}
			// 只丢弃首行回显，后续相同内容视为正常数据
			if echoPending && l.text == req.Command {
				echoPending = false
				continue
			}

			lines = append(lines, l.text)
			if req.OnLine != nil {
				req.OnLine(l.text)
			}

			if b.isCompletionIndicator(l.text) {
				return finish(strings.Join(lines, "\n"), nil)
			}

		case <-deadline.C:
			b.mu.Lock()
			b.needsDrain = true
			b.mu.Unlock()

			// 部分输出随超时错误一并返回
			partial := strings.Join(lines, "\n")
			return finish(partial, apperrors.Newf(apperrors.ErrSerialTimeout, "等待响应超过 %s", timeout))
		}
	}
}

// finishExchange 记录并广播一次交换结果
func (b *Bridge) finishExchange(requestID string, req Request, device string, reply string, err error, duration time.Duration) {
	atomic.AddUint64(&b.totalExchanges, 1)

	status := StatusOK
	errCode := 0
	errMsg := ""
	if err != nil {
		atomic.AddUint64(&b.failedExchanges, 1)
		errCode = int(apperrors.GetCode(err))
		errMsg = apperrors.UserMessage(err)
		if apperrors.Is(err, apperrors.ErrSerialTimeout) {
			status = StatusTimeout
		} else {
			status = StatusError
		}
	}

	logger.LogSerialExchange(requestID, req.Command, reply, err == nil, duration)

	ex := Exchange{
		RequestID: requestID,
		Source:    req.Source,
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		Device:    device,
		Command:   req.Command,
		Reply:     reply,
		Status:    status,
		ErrCode:   errCode,
		ErrMsg:    errMsg,
		Duration:  duration,
		Timestamp: time.Now(),
	}

	b.obMu.RLock()
	observers := b.observers
	b.obMu.RUnlock()
	for _, ob := range observers {
		ob(ex)
	}
}

// emitStatus 广播连接状态变化
func (b *Bridge) emitStatus(connected bool, device string) {
	ev := StatusEvent{
		Connected: connected,
		Device:    device,
		Timestamp: time.Now(),
	}

	b.obMu.RLock()
	observers := b.statusObservers
	b.obMu.RUnlock()
	for _, ob := range observers {
		ob(ev)
	}
}

// timeoutFor 按命令内容选择超时时间
func (b *Bridge) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	upper := strings.ToUpper(req.Command)
	for key, d := range b.opts.TimeoutOverrides {
		if key != "" && strings.Contains(upper, strings.ToUpper(key)) {
			return d
		}
	}

	return b.opts.DefaultTimeout
}

// UpdateTimeouts 更新默认超时和按命令的超时覆盖表（热更新入口）
func (b *Bridge) UpdateTimeouts(def time.Duration, overrides map[string]time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if def > 0 {
		b.opts.DefaultTimeout = def
	}
	if overrides != nil {
		b.opts.TimeoutOverrides = overrides
	}
}

// isCompletionIndicator 判断一行是否为完成标记
func (b *Bridge) isCompletionIndicator(text string) bool {
	for _, ind := range b.opts.CompletionIndicators {
		if text == ind {
			return true
		}
	}
	return false
}

// drainLines 非阻塞清空行通道
func (b *Bridge) drainLines() {
	for {
		select {
		case <-b.lineCh:
		default:
			return
		}
	}
}

// currentGeneration 当前连接代次
func (b *Bridge) currentGeneration() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// handleIOError 识别断线错误并触发重连
func (b *Bridge) handleIOError(err error) {
	if err == nil || !IsDisconnectError(err) {
		return
	}

	b.mu.RLock()
	gen := b.generation
	b.mu.RUnlock()
	b.markDisconnected(gen, err)
}

// markDisconnected 标记断线（仅当代次匹配，避免误伤新连接）
func (b *Bridge) markDisconnected(gen uint64, cause error) {
	b.mu.Lock()
	if b.generation != gen || !b.connected {
		b.mu.Unlock()
		return
	}

	device := b.device
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
	b.connected = false
	b.generation++
	b.mu.Unlock()

	b.logger.Error("检测到串口断线",
		zap.String("device", device),
		zap.Error(cause))
	b.emitStatus(false, device)

	if b.reconnectMgr != nil {
		b.reconnectMgr.Trigger()
	}
}

func (b *Bridge) isUserDisconnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.userDisconnected
}

// readLoop 读取循环：把字节流切分成行推给执行协程
func (b *Bridge) readLoop(port Port, gen uint64) {
	defer b.wg.Done()
	defer b.logger.Debug("读取循环已退出", zap.Uint64("generation", gen))

	buffer := make([]byte, 1024)
	var pending []byte

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		if b.currentGeneration() != gen {
			// 连接已被替换
			return
		}

		n, err := port.Read(buffer)
		if err != nil {
			// EOF不是致命错误，某些USB-CDC设备会定期发送EOF
			if strings.Contains(err.Error(), "EOF") {
				continue
			}
			if strings.Contains(err.Error(), "timeout") {
				continue
			}
			if IsDisconnectError(err) {
				b.markDisconnected(gen, err)
				return
			}
			if b.currentGeneration() != gen {
				// Disconnect关闭了串口
				return
			}
			b.logger.Debug("读取串口数据错误", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if n == 0 {
			continue
		}

		pending = append(pending, buffer[:n]...)

		// 处理完整的行（以\n或\r\n结尾）
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}

			rawLine := bytes.TrimRight(pending[:idx], "\r")
			pending = pending[idx+1:]

			// 每行取当前参数解码，运行中切换编码即时生效
			cur := b.CurrentSettings()
			text := strings.TrimSpace(DecodeLine(rawLine, cur.Encoding, cur.EncodingErrors))
			if text == "" {
				continue
			}

			b.pushLine(gen, text)
		}
	}
}

// pushLine 投递一行，消费方落后时丢弃最旧的一行
func (b *Bridge) pushLine(gen uint64, text string) {
	select {
	case b.lineCh <- line{gen: gen, text: text}:
		return
	default:
	}

	select {
	case <-b.lineCh:
	default:
	}
	select {
	case b.lineCh <- line{gen: gen, text: text}:
	default:
		b.logger.Warn("行缓冲已满，丢弃数据", zap.String("line", text))
	}
}
