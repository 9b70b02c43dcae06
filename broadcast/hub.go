package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub 管理WebSocket订阅者, 按活动ID分组。订阅者只收到自己活动的消息。
// Hub是显式构造和启停的组件, 不是包级单例。
type Hub struct {
	// 按活动ID分组的客户端连接
	clients map[uint]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *hubMessage

	// 保护clients字典
	mu sync.RWMutex

	// 每个活动保留的最近一条消息, 新连接时重放, 让晚到的客户端立即收敛
	history   map[uint][]byte
	historyMu sync.RWMutex

	maxConnections   int
	totalConnections int

	// OnEventIdle 在一个活动的最后一个订阅者断开时回调, 可为nil
	OnEventIdle func(eventID uint)

	done chan struct{}
}

// Client 表示一个WebSocket订阅者连接
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	eventID      uint
	lastActivity time.Time
}

type hubMessage struct {
	eventID uint
	data    []byte
}

// envelope 发往订阅者的消息外层, 标记逻辑频道
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有CORS请求, 生产环境应限制
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub() *Hub {
	return &Hub{
		clients:        make(map[uint]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *hubMessage, 64),
		history:        make(map[uint][]byte),
		maxConnections: 10000,
		done:           make(chan struct{}),
	}
}

// Start 启动Hub处理循环
func (h *Hub) Start() {
	go h.run()
}

// Stop 停止Hub并断开所有客户端
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.eventID]; !ok {
				h.clients[client.eventID] = make(map[*Client]bool)
			}
			h.clients[client.eventID][client] = true
			h.totalConnections++
			count := h.totalConnections
			h.mu.Unlock()

			log.Printf("新的订阅者已连接 [Event ID: %d, 总连接: %d]", client.eventID, count)

			// 重放最近状态, 保证新订阅者与当前状态同步
			h.historyMu.RLock()
			last := h.history[client.eventID]
			h.historyMu.RUnlock()
			if last != nil {
				select {
				case client.send <- last:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			idle := h.removeClientLocked(client)
			h.mu.Unlock()

			if idle && h.OnEventIdle != nil {
				h.OnEventIdle(client.eventID)
			}

		case msg := <-h.broadcast:
			h.historyMu.Lock()
			h.history[msg.eventID] = msg.data
			h.historyMu.Unlock()

			h.mu.Lock()
			idle := false
			for client := range h.clients[msg.eventID] {
				select {
				case client.send <- msg.data:
				default:
					// 客户端缓冲区已满, 断开连接
					if h.removeClientLocked(client) {
						idle = true
					}
				}
			}
			h.mu.Unlock()

			if idle && h.OnEventIdle != nil {
				h.OnEventIdle(msg.eventID)
			}

		case <-h.done:
			h.mu.Lock()
			for eventID, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
				delete(h.clients, eventID)
			}
			h.totalConnections = 0
			h.mu.Unlock()
			return
		}
	}
}

// removeClientLocked 把客户端从字典中移除并关闭其发送通道,
// 返回该活动是否因此不再有订阅者。调用方必须持有h.mu。
func (h *Hub) removeClientLocked(client *Client) bool {
	clients, ok := h.clients[client.eventID]
	if !ok {
		return false
	}
	if _, ok := clients[client]; !ok {
		return false
	}
	delete(clients, client)
	h.totalConnections--
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.eventID)
		return true
	}
	return false
}

// Emit 实现广播层的Sink接口, 把消息投递给关注该活动的所有订阅者
func (h *Hub) Emit(channel string, eventID uint, payload []byte) {
	data, err := json.Marshal(envelope{Channel: channel, Data: payload})
	if err != nil {
		log.Printf("序列化订阅消息失败: %v", err)
		return
	}
	select {
	case h.broadcast <- &hubMessage{eventID: eventID, data: data}:
	case <-h.done:
	default:
		log.Printf("Hub广播通道已满, 丢弃消息 [Event ID: %d]", eventID)
	}
}

// ServeWS 把HTTP连接升级为该活动的WebSocket订阅
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, eventID uint) {
	h.mu.RLock()
	full := h.totalConnections >= h.maxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "服务器连接已达上限，请稍后重试", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("升级WebSocket连接失败: %v", err)
		return
	}

	client := &Client{
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, 256),
		eventID:      eventID,
		lastActivity: time.Now(),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.lastActivity = time.Now()
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket读取错误: %v", err)
			}
			break
		}
		c.lastActivity = time.Now()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
