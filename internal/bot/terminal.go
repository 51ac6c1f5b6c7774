package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"go.uber.org/zap"
)

// Discord对消息编辑有速率限制，实时终端按固定节流间隔批量刷新
const liveEditThrottle = 1500 * time.Millisecond

const liveIdleContent = "```\n(暂无输出)\n```"

// terminalRegistry 终端模式与实时终端会话登记（按频道）
type terminalRegistry struct {
	mu       sync.Mutex
	channels map[string]bool
	live     map[string]*liveSession
}

func newTerminalRegistry() *terminalRegistry {
	return &terminalRegistry{
		channels: make(map[string]bool),
		live:     make(map[string]*liveSession),
	}
}

// toggle 切换频道的终端模式，返回切换后的状态
func (r *terminalRegistry) toggle(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[channelID] {
		delete(r.channels, channelID)
		return false
	}
	r.channels[channelID] = true
	return true
}

// enable 开启频道的终端模式
func (r *terminalRegistry) enable(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channelID] = true
}

// enabled 频道是否处于终端模式
func (r *terminalRegistry) enabled(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[channelID]
}

// liveSession 频道当前的实时终端会话，没有时返回nil
func (r *terminalRegistry) liveSession(channelID string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[channelID]
}

// setLive 登记实时终端会话
func (r *terminalRegistry) setLive(channelID string, s *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[channelID] = s
}

// removeLive 摘除实时终端会话并返回它，没有时返回nil
func (r *terminalRegistry) removeLive(channelID string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.live[channelID]
	delete(r.live, channelID)
	return s
}

// closeAll 关闭全部实时终端会话（保留消息，进程退出时调用）
func (r *terminalRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*liveSession, 0, len(r.live))
	for id, s := range r.live {
		sessions = append(sessions, s)
		delete(r.live, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close(false)
	}
}

// liveSession 实时终端：单条持续编辑的消息，滚动显示最近的输出行。
// 执行中的命令按固定间隔刷新一行进度。
type liveSession struct {
	channelID string
	messageID string
	chat      chatSender
	log       *zap.Logger
	window    int
	interval  time.Duration

	mu       sync.Mutex
	lines    []string
	command  string // 执行中的命令，空表示空闲
	started  time.Time
	lastEdit time.Time
	dirty    bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// newLiveSession 发出占位消息并启动刷新协程
func newLiveSession(chat chatSender, channelID string, window int, interval time.Duration, log *zap.Logger) (*liveSession, error) {
	msg, err := chat.ChannelMessageSend(channelID, liveIdleContent)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrChatSend, "创建实时终端消息失败")
	}

	s := &liveSession{
		channelID: channelID,
		messageID: msg.ID,
		chat:      chat,
		log:       log,
		window:    window,
		interval:  interval,
		lastEdit:  time.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// begin 标记一条命令开始执行
func (s *liveSession) begin(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.command = command
	s.started = time.Now()
	s.push("> " + command)
	s.dirty = true
}

// appendLine 追加一行设备输出（桥接器OnLine回调）
func (s *liveSession) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.push(line)
	s.dirty = true
}

// finish 标记命令结束，失败时把错误描述追加进输出
func (s *liveSession) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.command = ""
	if err != nil {
		s.push("! " + apperrors.UserMessage(err))
	}
	s.dirty = true
}

// push 追加一行并裁剪到窗口大小（调用方持有锁）
func (s *liveSession) push(line string) {
	s.lines = append(s.lines, line)
	if len(s.lines) > s.window {
		s.lines = s.lines[len(s.lines)-s.window:]
	}
}

// run 刷新协程：有新输出或进度到期时编辑消息
func (s *liveSession) run() {
	defer close(s.done)

	ticker := time.NewTicker(liveEditThrottle)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.render(true)
			return
		case <-ticker.C:
			s.render(false)
		}
	}
}

// render 把当前窗口渲染进消息。final时无条件刷新一次。
func (s *liveSession) render(final bool) {
	s.mu.Lock()
	progressDue := s.command != "" && time.Since(s.lastEdit) >= s.interval
	if !s.dirty && !progressDue && !final {
		s.mu.Unlock()
		return
	}

	content := s.renderContent()
	s.dirty = false
	s.lastEdit = time.Now()
	s.mu.Unlock()

	if _, err := s.chat.ChannelMessageEdit(s.channelID, s.messageID, content); err != nil {
		s.log.Warn("实时终端消息编辑失败",
			zap.String("channel_id", s.channelID),
			zap.Error(err))
	}
}

// renderContent 组装消息内容（调用方持有锁）
func (s *liveSession) renderContent() string {
	body := "(暂无输出)"
	if len(s.lines) > 0 {
		body = strings.Join(s.lines, "\n")
	}
	if len(body) > 1800 {
		body = "…\n" + truncateTail(body, 1800)
	}

	var sb strings.Builder
	sb.WriteString("```\n")
	sb.WriteString(body)
	sb.WriteString("\n```")

	if s.command != "" {
		fmt.Fprintf(&sb, "\n执行中: `%s` (已 %d 秒)", s.command, int(time.Since(s.started).Seconds()))
	}
	return sb.String()
}

// close 停止刷新协程。deleteMessage时删除终端消息。
func (s *liveSession) close(deleteMessage bool) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done

	if deleteMessage {
		if err := s.chat.ChannelMessageDelete(s.channelID, s.messageID); err != nil {
			s.log.Warn("实时终端消息删除失败",
				zap.String("channel_id", s.channelID),
				zap.Error(err))
		}
	}
}
