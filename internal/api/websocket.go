// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Corphon/TaleWeaverMCP/internal/logger"
	"github.com/Corphon/TaleWeaverMCP/internal/models"
	"github.com/Corphon/TaleWeaverMCP/internal/services"
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

// TurnEvent 推送给客户端的轮次事件
type TurnEvent struct {
	Type           string          `json:"type"` // turn_started / turn_updated / turn_finalized / turn_failed
	ConversationID string          `json:"conversation_id"`
	RequestID      string          `json:"request_id,omitempty"`
	PartialText    string          `json:"partial_text,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// WebSocketClient 表示一个客户端连接
type WebSocketClient struct {
	conn           *websocket.Conn
	conversationID string
	send           chan []byte
	closed         int32 // 原子操作标志，0=开启，1=关闭
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// WebSocketManager 管理所有连接，按会话ID分组
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]bool // conversationID -> clients
	register    chan *WebSocketClient
	unregister  chan *WebSocketClient
	mutex       sync.RWMutex
	pingPeriod  time.Duration
	logger      *logger.Logger
}

// NewWebSocketManager 创建连接管理器并启动调度循环
func NewWebSocketManager() *WebSocketManager {
	wm := &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]bool),
		register:    make(chan *WebSocketClient, 256),
		unregister:  make(chan *WebSocketClient, 256),
		pingPeriod:  30 * time.Second,
		logger:      logger.GetLogger().Named("websocket"),
	}
	go wm.run()
	return wm
}

func (wm *WebSocketManager) run() {
	for {
		select {
		case client := <-wm.register:
			wm.mutex.Lock()
			if wm.connections[client.conversationID] == nil {
				wm.connections[client.conversationID] = make(map[*WebSocketClient]bool)
			}
			wm.connections[client.conversationID][client] = true
			wm.mutex.Unlock()

		case client := <-wm.unregister:
			wm.mutex.Lock()
			if clients, exists := wm.connections[client.conversationID]; exists {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					if len(clients) == 0 {
						delete(wm.connections, client.conversationID)
					}
				}
			}
			wm.mutex.Unlock()
			client.Close()
		}
	}
}

// BroadcastToConversation 向某会话的所有连接推送事件
func (wm *WebSocketManager) BroadcastToConversation(conversationID string, event *TurnEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wm.logger.Error("序列化轮次事件失败", zap.Error(err))
		return
	}

	wm.mutex.RLock()
	clients := wm.connections[conversationID]
	targets := make([]*WebSocketClient, 0, len(clients))
	for client := range clients {
		targets = append(targets, client)
	}
	wm.mutex.RUnlock()

	for _, client := range targets {
		if client.IsClosed() {
			continue
		}
		select {
		case client.send <- data:
		default:
			// 发送缓冲已满，断开慢客户端
			wm.unregister <- client
		}
	}
}

// HooksFor 为会话构造轮次回调，直接接入编排器
// 作为 services.HooksFactory 注入会话管理器
func (wm *WebSocketManager) HooksFor(conversationID string) services.TurnHooks {
	return services.TurnHooks{
		OnTurnStarted: func(requestID string) {
			wm.BroadcastToConversation(conversationID, &TurnEvent{
				Type:           "turn_started",
				ConversationID: conversationID,
				RequestID:      requestID,
				Timestamp:      time.Now(),
			})
		},
		OnTurnUpdated: func(requestID, partialText string) {
			wm.BroadcastToConversation(conversationID, &TurnEvent{
				Type:           "turn_updated",
				ConversationID: conversationID,
				RequestID:      requestID,
				PartialText:    partialText,
				Timestamp:      time.Now(),
			})
		},
		OnTurnFinalized: func(message *models.Message) {
			wm.BroadcastToConversation(conversationID, &TurnEvent{
				Type:           "turn_finalized",
				ConversationID: conversationID,
				RequestID:      message.ID,
				Message:        message,
				Timestamp:      time.Now(),
			})
		},
		OnTurnFailed: func(requestID, reason string) {
			wm.BroadcastToConversation(conversationID, &TurnEvent{
				Type:           "turn_failed",
				ConversationID: conversationID,
				RequestID:      requestID,
				Reason:         reason,
				Timestamp:      time.Now(),
			})
		},
	}
}

// HandleConnection 升级HTTP连接并托管读写
func (wm *WebSocketManager) HandleConnection(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少会话ID"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wm.logger.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	client := &WebSocketClient{
		conn:           conn,
		conversationID: conversationID,
		send:           make(chan []byte, 64),
	}

	wm.register <- client
	go wm.writeLoop(client)
	go wm.readLoop(client)
}

func (wm *WebSocketManager) writeLoop(client *WebSocketClient) {
	ticker := time.NewTicker(wm.pingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (wm *WebSocketManager) readLoop(client *WebSocketClient) {
	defer func() {
		wm.unregister <- client
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(wm.pingPeriod * 2))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wm.pingPeriod * 2))
		return nil
	})

	// 推送通道是单向的，客户端消息只用于保活
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
