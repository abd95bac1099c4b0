// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

// WebSocketClient 表示一个订阅蓝图事件的客户端连接
type WebSocketClient struct {
	conn        *websocket.Conn
	blueprintID string
	send        chan []byte
	closed      int32 // 原子操作标志，0=开启，1=关闭
	createdAt   time.Time
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		// 只设置关闭标志，发送通道由写协程的defer负责关闭
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// SendMessage 安全发送消息到客户端（非阻塞，队列满则丢弃）
func (client *WebSocketClient) SendMessage(message map[string]interface{}) {
	if client.IsClosed() {
		return
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return
	}

	select {
	case client.send <- msgBytes:
	default:
		utils.GetLogger().Warn("WebSocket消息队列已满，消息被丢弃", map[string]interface{}{
			"blueprint_id": client.blueprintID,
		})
	}
}

// WebSocketManager 管理按蓝图分组的全部连接
type WebSocketManager struct {
	mutex       sync.RWMutex
	connections map[string]map[*WebSocketClient]bool // blueprintID -> clients
}

// 全局 WebSocket 管理器
var wsManager = &WebSocketManager{
	connections: make(map[string]map[*WebSocketClient]bool),
}

// Register 登记新连接
func (m *WebSocketManager) Register(client *WebSocketClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.connections[client.blueprintID] == nil {
		m.connections[client.blueprintID] = make(map[*WebSocketClient]bool)
	}
	m.connections[client.blueprintID][client] = true
}

// Unregister 注销连接
func (m *WebSocketManager) Unregister(client *WebSocketClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if clients, ok := m.connections[client.blueprintID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(m.connections, client.blueprintID)
		}
	}
}

// Broadcast 向订阅某蓝图的所有客户端推送消息
func (m *WebSocketManager) Broadcast(blueprintID string, message map[string]interface{}) {
	m.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(m.connections[blueprintID]))
	for client := range m.connections[blueprintID] {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		client.SendMessage(message)
	}
}

// Status 返回连接统计
func (m *WebSocketManager) Status() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	total := 0
	perBlueprint := make(map[string]int, len(m.connections))
	for id, clients := range m.connections {
		perBlueprint[id] = len(clients)
		total += len(clients)
	}

	return map[string]interface{}{
		"total_connections": total,
		"blueprints":        perBlueprint,
	}
}

// writePump 把发送队列中的消息写入连接
func (client *WebSocketClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Close()
		close(client.send)
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 消费入站消息，只用于感知客户端断开
func (client *WebSocketClient) readPump(onClose func()) {
	defer func() {
		client.Close()
		onClose()
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
