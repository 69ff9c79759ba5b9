package websocket

import (
	"encoding/json"
	"sync"

	"github.com/WW-AI-Lab/Dify-Batch/internal/batch"
	"github.com/sirupsen/logrus"
)

// Hub 管理所有 WebSocket 连接
// 订阅进度事件总线,把事件推送给关注对应批次的客户端
type Hub struct {
	// 已注册的客户端
	clients map[*Client]bool

	// 注册新客户端
	Register chan *Client

	// 注销客户端
	Unregister chan *Client

	// 事件总线
	bus *batch.Bus

	logger *logrus.Logger

	// 互斥锁，保护 clients map
	mu sync.RWMutex

	stop chan struct{}
}

// NewHub 创建新的 Hub
func NewHub(bus *batch.Bus, logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		bus:        bus,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Run 运行 Hub
// 消费事件总线并按批次 ID 分发给客户端
func (h *Hub) Run() {
	events, cancel := h.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()

		case evt, ok := <-events:
			if !ok {
				return
			}
			h.broadcastEvent(evt)

		case <-h.stop:
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.stop)
}

// broadcastEvent 向关注该批次的客户端推送事件
func (h *Hub) broadcastEvent(evt batch.Event) {
	message, err := json.Marshal(evt)
	if err != nil {
		h.logger.WithError(err).Warn("failed to marshal progress event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.BatchID != "" && client.BatchID != evt.BatchID {
			continue
		}
		select {
		case client.Send <- message:
		default:
			close(client.Send)
			delete(h.clients, client)
		}
	}
}

// GetClientCount 获取客户端数量
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
