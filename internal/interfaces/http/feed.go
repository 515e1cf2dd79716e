package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 2048,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header and local origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

// Feed pushes every persisted decision to connected websocket clients. Slow
// clients miss messages rather than blocking the workers.
type Feed struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

type feedClient struct {
	id        string
	conn      *websocket.Conn
	send      chan FeedMessage
	closeOnce sync.Once
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{clients: make(map[*feedClient]struct{}), ctx: ctx, cancel: cancel}
}

// Notify broadcasts a decision. It never blocks.
func (f *Feed) Notify(d domain.ProcurementDecision) {
	msg := FeedMessage{Type: "decision", Decision: d}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			log.Debug().Str("client_id", c.id).Msg("Feed client buffer full; dropping decision")
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.close()
		delete(f.clients, c)
	}
}

// ServeHTTP upgrades the request and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Feed upgrade failed")
		return
	}
	c := &feedClient{id: uuid.NewString()[:8], conn: conn, send: make(chan FeedMessage, sendBuffer)}

	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	log.Debug().Str("client_id", c.id).Msg("Feed client connected")

	go f.writePump(c)
	go f.readPump(c)
}

func (f *Feed) unregister(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		c.close()
	}
	f.mu.Unlock()
	log.Debug().Str("client_id", c.id).Msg("Feed client disconnected")
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump only drains control frames; clients do not send commands.
func (f *Feed) readPump(c *feedClient) {
	defer func() {
		f.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("Feed read error")
			}
			return
		}
	}
}

func (f *Feed) writePump(c *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-f.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("Feed write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
