package console

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/serial-bridge/internal/bridge"
	"github.com/wfunc/serial-bridge/internal/config"
	apperrors "github.com/wfunc/serial-bridge/internal/errors"
	"go.uber.org/zap"
)

// Executor 控制台需要的桥接器能力
type Executor interface {
	ExecuteRequest(ctx context.Context, req bridge.Request) (string, error)
	GetStatus() bridge.Status
}

// Message 控制台消息
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// 消息类型
const (
	// 系统消息
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"

	// 桥接器消息
	MessageTypeExchange = "exchange" // 一次命令往返的记录
	MessageTypeStatus   = "status"   // 串口连接状态变化
	MessageTypeExecute  = "execute"  // 客户端请求执行命令
	MessageTypeResult   = "result"   // 命令执行结果
)

// ExecutePayload 执行命令请求
type ExecutePayload struct {
	Command string `json:"command"`
}

// ResultPayload 命令执行结果
type ResultPayload struct {
	Command string `json:"command"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Hub 控制台连接管理中心
// 把桥接器的交换记录和状态变化推给所有连接的客户端，
// 并把客户端发来的命令转给桥接器执行。
type Hub struct {
	cfg config.ConsoleConfig

	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	executor Executor
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHub 创建Hub
func NewHub(cfg config.ConsoleConfig, executor Executor, logger *zap.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}

	return &Hub{
		cfg:        cfg,
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		executor:   executor,
		logger:     logger,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run 运行Hub
func (h *Hub) Run() {
	defer close(h.done)

	go h.runHeartbeat()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case data := <-h.broadcast:
			h.broadcastFrame(data)

		case <-h.stopCh:
			h.closeAllClients()
			return
		}
	}
}

// Stop 停止Hub并断开所有客户端
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		h.logger.Warn("控制台Hub停止超时")
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("控制台客户端连接",
		zap.String("client_id", client.ID),
		zap.String("username", client.Username))

	// 发送连接成功消息，附带当前桥接器状态
	status, _ := json.Marshal(h.executor.GetStatus())
	h.SendToClient(client.ID, &Message{
		Type:      MessageTypeConnected,
		Data:      status,
		Timestamp: time.Now().Unix(),
	})
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("控制台客户端断开",
		zap.String("client_id", client.ID),
		zap.String("username", client.Username))
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for id, client := range h.clients {
		close(client.Send)
		delete(h.clients, id)
	}
}

// broadcastFrame 把已序列化的消息发给所有客户端
func (h *Hub) broadcastFrame(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			// 发送缓冲区满，丢弃这一帧
			h.logger.Warn("控制台客户端发送缓冲区满",
				zap.String("client_id", client.ID))
		}
	}
}

// Broadcast 广播消息
// 从桥接器观察者回调进来时不允许阻塞，队列满了直接丢。
func (h *Hub) Broadcast(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化控制台消息失败", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.stopCh:
	default:
		h.logger.Warn("控制台广播队列满，丢弃消息", zap.String("type", message.Type))
	}
}

// BroadcastExchange 把一次命令往返广播给控制台
func (h *Hub) BroadcastExchange(ex bridge.Exchange) {
	data, err := json.Marshal(ex)
	if err != nil {
		return
	}
	h.Broadcast(&Message{
		Type:      MessageTypeExchange,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// BroadcastStatus 把串口状态变化广播给控制台
func (h *Hub) BroadcastStatus(ev bridge.StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.Broadcast(&Message{
		Type:      MessageTypeStatus,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Send通道只会在持有写锁时关闭，发送期间持有读锁避免向已关闭通道写入
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// handleExecute 处理客户端的执行请求
// 命令可能要等串口几十秒，放到单独的goroutine里跑，避免卡住读循环。
func (h *Hub) handleExecute(client *Client, payload ExecutePayload) {
	go func() {
		reply, err := h.executor.ExecuteRequest(context.Background(), bridge.Request{
			Command:   payload.Command,
			Source:    bridge.SourceConsole,
			UserID:    client.Username,
			ChannelID: client.ID,
		})

		result := ResultPayload{Command: payload.Command, Reply: reply}
		if err != nil {
			result.Error = apperrors.UserMessage(err)
			result.Code = int(apperrors.GetCode(err))
		}

		data, merr := json.Marshal(result)
		if merr != nil {
			return
		}
		if serr := h.SendToClient(client.ID, &Message{
			Type:      MessageTypeResult,
			Data:      data,
			Timestamp: time.Now().Unix(),
		}); serr != nil {
			h.logger.Debug("控制台结果发送失败",
				zap.String("client_id", client.ID),
				zap.Error(serr))
		}
	}()
}

// runHeartbeat 定期广播应用层ping
func (h *Hub) runHeartbeat() {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Broadcast(&Message{
				Type:      MessageTypePing,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopCh:
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopCh:
	}
}
