package bridge

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// MockPort 模拟串口（用于测试与mock模式）。
// 写入的命令按行解析后交给Handler，返回的行经延迟后可从Read读出。
type MockPort struct {
	// Handler 收到一条完整命令后返回要回复的行，nil表示不回复
	Handler func(command string) []string
	// Delay 回复前的延迟
	Delay time.Duration
	// WriteErr 非nil时Write直接返回该错误
	WriteErr error

	mu      sync.Mutex
	writes  []string
	lineBuf []byte

	readCh    chan []byte
	leftover  []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockPort 创建模拟串口
func NewMockPort() *MockPort {
	return &MockPort{
		readCh: make(chan []byte, 128),
		closed: make(chan struct{}),
	}
}

// NewLoopbackPort 创建mock模式使用的回环串口：
// 回显命令并以OK结束，模拟一个行协议设备。
func NewLoopbackPort() *MockPort {
	p := NewMockPort()
	p.Delay = 20 * time.Millisecond
	p.Handler = func(command string) []string {
		switch strings.ToUpper(command) {
		case "PING":
			return []string{"PONG", "OK"}
		case "STATUS":
			return []string{"STATUS: READY", "OK"}
		default:
			return []string{command, "OK"}
		}
	}
	return p
}

// Write 记录写入并按行触发Handler
func (m *MockPort) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, errors.New("file already closed")
	default:
	}

	if m.WriteErr != nil {
		return 0, m.WriteErr
	}

	m.mu.Lock()
	m.writes = append(m.writes, string(p))
	m.lineBuf = append(m.lineBuf, p...)

	var commands []string
	for {
		idx := strings.IndexByte(string(m.lineBuf), '\n')
		if idx < 0 {
			break
		}
		cmd := strings.TrimRight(string(m.lineBuf[:idx]), "\r")
		m.lineBuf = m.lineBuf[idx+1:]
		if cmd != "" {
			commands = append(commands, cmd)
		}
	}
	m.mu.Unlock()

	for _, cmd := range commands {
		go m.respond(cmd)
	}

	return len(p), nil
}

// SetHandler 并发安全地替换Handler（测试中途切换响应行为用）
func (m *MockPort) SetHandler(h func(command string) []string) {
	m.mu.Lock()
	m.Handler = h
	m.mu.Unlock()
}

func (m *MockPort) handler() func(command string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Handler
}

// respond 延迟后投递Handler产生的回复行
func (m *MockPort) respond(command string) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	h := m.handler()
	if h == nil {
		return
	}

	for _, line := range h(command) {
		m.QueueRaw([]byte(line + "\r\n"))
	}
}

// QueueRaw 直接投递原始字节（模拟设备主动输出或特定编码数据）
func (m *MockPort) QueueRaw(data []byte) {
	select {
	case m.readCh <- data:
	case <-m.closed:
	}
}

// Read 阻塞读取，直到有数据或串口被关闭
func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if len(m.leftover) > 0 {
		n := copy(p, m.leftover)
		m.leftover = m.leftover[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	select {
	case data := <-m.readCh:
		n := copy(p, data)
		if n < len(data) {
			m.mu.Lock()
			m.leftover = append(m.leftover, data[n:]...)
			m.mu.Unlock()
		}
		return n, nil
	case <-m.closed:
		return 0, errors.New("file already closed")
	}
}

// Flush 清空待读数据
func (m *MockPort) Flush() error {
	m.mu.Lock()
	m.leftover = nil
	m.mu.Unlock()

	for {
		select {
		case <-m.readCh:
		default:
			return nil
		}
	}
}

// Close 关闭模拟串口
func (m *MockPort) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

// Writes 所有写入的原始负载
func (m *MockPort) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// WrittenCommands 按行还原写入的命令（去掉行结尾）
func (m *MockPort) WrittenCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var commands []string
	for _, w := range m.writes {
		for _, part := range strings.Split(w, "\n") {
			part = strings.TrimRight(part, "\r")
			if part != "" {
				commands = append(commands, part)
			}
		}
	}
	return commands
}
