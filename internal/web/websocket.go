// internal/web/websocket.go
package web

import (
    "net/http"
    "sync"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/gorilla/websocket"
    "github.com/sirupsen/logrus"
    "netwatch/internal/metrics"
)

var upgrader = websocket.Upgrader{
    CheckOrigin: func(r *http.Request) bool {
        return true
    },
}

type WSMessage struct {
    Type string      `json:"type"`
    Data interface{} `json:"data"`
}

type WSClient struct {
    conn *websocket.Conn
    send chan WSMessage
    hub  *Hub
}

// Hub fans bus events out to connected websocket clients. A client that
// cannot keep up is disconnected.
type Hub struct {
    mu      sync.Mutex
    clients map[*WSClient]bool
    closed  bool
    metrics *metrics.Collector
}

func NewHub(collector *metrics.Collector) *Hub {
    return &Hub{
        clients: make(map[*WSClient]bool),
        metrics: collector,
    }
}

func (h *Hub) register(client *WSClient) bool {
    h.mu.Lock()
    defer h.mu.Unlock()
    if h.closed {
        return false
    }
    h.clients[client] = true
    h.metrics.RecordWebSocketConnection(1)
    return true
}

// unregister closes the client's send channel once.
func (h *Hub) unregister(client *WSClient) {
    h.mu.Lock()
    defer h.mu.Unlock()
    if h.clients[client] {
        delete(h.clients, client)
        close(client.send)
        h.metrics.RecordWebSocketConnection(-1)
    }
}

func (h *Hub) Broadcast(message WSMessage) {
    h.mu.Lock()
    defer h.mu.Unlock()
    for client := range h.clients {
        select {
        case client.send <- message:
        default:
            logrus.Debug("Websocket client too slow, disconnecting")
            delete(h.clients, client)
            close(client.send)
            h.metrics.RecordWebSocketConnection(-1)
        }
    }
}

func (h *Hub) Len() int {
    h.mu.Lock()
    defer h.mu.Unlock()
    return len(h.clients)
}

func (h *Hub) Close() {
    h.mu.Lock()
    defer h.mu.Unlock()
    h.closed = true
    for client := range h.clients {
        delete(h.clients, client)
        close(client.send)
        h.metrics.RecordWebSocketConnection(-1)
    }
}

func (s *Server) handleWebSocket(c *gin.Context) {
    conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
    if err != nil {
        logrus.WithError(err).Error("Failed to upgrade websocket")
        return
    }

    client := &WSClient{
        conn: conn,
        send: make(chan WSMessage, 256),
        hub:  s.hub,
    }
    if !s.hub.register(client) {
        conn.Close()
        return
    }

    go client.writePump()
    go client.readPump()
}

func (c *WSClient) writePump() {
    ticker := time.NewTicker(54 * time.Second)
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

            if err := c.conn.WriteJSON(message); err != nil {
                c.hub.unregister(c)
                return
            }

        case <-ticker.C:
            c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
            if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
                c.hub.unregister(c)
                return
            }
        }
    }
}

func (c *WSClient) readPump() {
    defer func() {
        c.hub.unregister(c)
        c.conn.Close()
    }()

    c.conn.SetReadLimit(512)
    c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    c.conn.SetPongHandler(func(string) error {
        c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        return nil
    })

    for {
        _, _, err := c.conn.ReadMessage()
        if err != nil {
            break
        }
    }
}
