package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultRoom     = "default"
	maxMessageBytes = 4096
	sendBuffer      = 32
	writeTimeout    = 5 * time.Second
)

// Publisher forwards room traffic to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, room string, payload []byte) error
}

type client struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close(code, reason)
	})
}

// Hub relays JSON events between the websocket connections of a room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	echo           bool
	originPatterns []string
	publisher      Publisher
	logger         *zap.Logger
}

type Option func(*Hub)

// WithEcho also returns each event to its sender, as the original relay did.
func WithEcho(on bool) Option { return func(h *Hub) { h.echo = on } }

func WithOriginPatterns(p ...string) Option {
	return func(h *Hub) { h.originPatterns = append(h.originPatterns, p...) }
}

func WithPublisher(p Publisher) Option { return func(h *Hub) { h.publisher = p } }

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{rooms: make(map[string]map[*client]struct{}), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetPublisher attaches a cross-instance publisher after construction.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.publisher = p
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		room = DefaultRoom
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		h.logger.Warn("relay_accept_error", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &client{id: uuid.NewString(), room: room, conn: conn, send: make(chan []byte, sendBuffer)}
	h.join(c)
	defer h.leave(c)

	ctx := r.Context()
	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				h.logger.Debug("relay_read_error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText || !isJSONObject(data) {
			h.reject(ctx, c, "invalid_message", "expected a JSON object")
			continue
		}
		h.logger.Debug("relay_message", zap.String("room", c.room), zap.String("client_id", c.id), zap.Int("bytes", len(data)))
		h.broadcast(c.room, c, data)

		h.mu.RLock()
		pub := h.publisher
		h.mu.RUnlock()
		if pub != nil {
			if err := pub.Publish(ctx, c.room, data); err != nil {
				h.logger.Warn("relay_publish_error", zap.String("room", c.room), zap.Error(err))
			}
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for msg := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.logger.Debug("relay_write_error", zap.String("client_id", c.id), zap.Error(err))
			c.close(websocket.StatusGoingAway, "write failure")
			return
		}
	}
}

func (h *Hub) reject(ctx context.Context, c *client, code, message string) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(wctx, c.conn, chessdto.DomainError{Code: code, Message: message})
}

// Deliver hands an event from another instance to every local client in room.
func (h *Hub) Deliver(room string, payload []byte) {
	h.broadcast(room, nil, payload)
}

// broadcast queues payload for the room. Slow clients whose buffer is full
// are disconnected rather than stalling the room.
func (h *Hub) broadcast(room string, from *client, payload []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c == from && !h.echo {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !h.enqueue(c, payload) {
			h.logger.Warn("relay_client_slow", zap.String("room", room), zap.String("client_id", c.id))
			c.close(websocket.StatusPolicyViolation, "slow consumer")
		}
	}
}

func (h *Hub) enqueue(c *client, payload []byte) (ok bool) {
	defer func() {
		// send was closed by a concurrent leave
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	n := len(members)
	h.mu.Unlock()
	h.logger.Info("relay_client_join", zap.String("room", c.room), zap.String("client_id", c.id), zap.Int("members", n))
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	h.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "bye")
	h.logger.Info("relay_client_leave", zap.String("room", c.room), zap.String("client_id", c.id))
}

// Stats returns the number of rooms and connected clients.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, members := range h.rooms {
		clients += len(members)
	}
	return len(h.rooms), clients
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	var all []*client
	for _, members := range h.rooms {
		for c := range members {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	var result error
	for _, c := range all {
		c.once.Do(func() {
			close(c.send)
			if err := c.conn.Close(websocket.StatusGoingAway, "relay shutdown"); err != nil {
				result = multierror.Append(result, err)
			}
		})
	}
	return result
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
