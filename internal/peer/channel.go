package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrClosed       = errors.New("peer channel closed")
	ErrOutboxFull   = errors.New("peer outbox full")
	errNotConnected = errors.New("peer channel not connected")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type MoveHandler func(mv chessdto.PeerMove)

type StateHandler func(state State)

// Channel is a websocket PeerChannel. Outbound moves are queued and written by
// a single writer goroutine, so Send never blocks the caller.
type Channel struct {
	url string

	conn  *websocket.Conn
	connM sync.Mutex

	state  State
	stateM sync.RWMutex

	moveCbs  []MoveHandler
	stateCbs []StateHandler
	cbM      sync.RWMutex

	outbox chan chessdto.PeerMove

	maxReconnectAttempts int
	pingInterval         time.Duration
	writeTimeout         time.Duration
	headers              http.Header
	logger               *zap.Logger

	reconnecting atomic.Bool
	writerOnce   sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Channel)

func WithReconnectAttempts(n int) Option { return func(c *Channel) { c.maxReconnectAttempts = n } }

func WithPingInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithHeader(k, v string) Option {
	return func(c *Channel) {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			c.headers.Set(k, v)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// RoomURL appends the room query parameter to the relay endpoint.
func RoomURL(base, room string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse peer url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported peer url scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(room) != "" {
		q := u.Query()
		q.Set("room", strings.TrimSpace(room))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func New(wsURL string, opts ...Option) *Channel {
	c := &Channel{
		url:                  wsURL,
		state:                StateDisconnected,
		outbox:               make(chan chessdto.PeerMove, 64),
		maxReconnectAttempts: 5,
		pingInterval:         30 * time.Second,
		writeTimeout:         5 * time.Second,
		headers:              http.Header{},
		logger:               zap.NewNop(),
		stopCh:               make(chan struct{}),
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the relay. A failed first dial still schedules reconnects
// in the background and returns the dial error.
func (c *Channel) Connect(ctx context.Context) error {
	if c.isStopping() {
		return ErrClosed
	}
	switch c.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	c.setState(StateConnecting)
	c.writerOnce.Do(func() {
		c.wg.Add(1)
		go c.writeLoop()
	})

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := c.dial(dialCtx)
	if err != nil {
		c.setState(StateFailed)
		c.logger.Warn("peer_connect_error", zap.String("url", c.url), zap.Error(err))
		c.scheduleReconnect()
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.headers.Clone(),
	})
	return conn, err
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
	c.setState(StateConnected)
	c.logger.Info("peer_connected", zap.String("url", c.url))

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

// Send queues mv for the writer goroutine.
func (c *Channel) Send(mv chessdto.PeerMove) error {
	if c.isStopping() {
		return ErrClosed
	}
	select {
	case c.outbox <- mv:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case mv := <-c.outbox:
			c.deliver(mv)
		}
	}
}

// deliver retries while a reconnect may still succeed and drops the move
// once the channel has failed for good.
func (c *Channel) deliver(mv chessdto.PeerMove) {
	for {
		err := c.write(mv)
		if err == nil {
			return
		}
		if c.State() == StateFailed && !c.reconnecting.Load() {
			c.logger.Warn("peer_send_drop", zap.String("from", mv.From), zap.String("to", mv.To), zap.Error(err))
			return
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (c *Channel) write(mv chessdto.PeerMove) error {
	c.connM.Lock()
	conn := c.conn
	c.connM.Unlock()
	if conn == nil {
		return errNotConnected
	}
	ctx, cancel := context.WithTimeout(c.rootCtx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, mv)
}

func (c *Channel) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(c.rootCtx, conn, &raw); err != nil {
			if c.isStopping() {
				return
			}
			c.logger.Info("peer_disconnected", zap.Error(err))
			c.drop(conn, websocket.StatusGoingAway, "reconnect")
			return
		}
		c.dispatch(raw)
	}
}

func (c *Channel) dispatch(raw json.RawMessage) {
	var mv chessdto.PeerMove
	if err := json.Unmarshal(raw, &mv); err != nil || mv.From == "" || mv.To == "" {
		var derr chessdto.DomainError
		if json.Unmarshal(raw, &derr) == nil && derr.Code != "" {
			c.logger.Warn("peer_relay_error", zap.String("code", derr.Code), zap.String("message", derr.Message))
			return
		}
		c.logger.Debug("peer_message_ignored", zap.ByteString("payload", raw))
		return
	}
	c.cbM.RLock()
	callbacks := append([]MoveHandler(nil), c.moveCbs...)
	c.cbM.RUnlock()
	for _, cb := range callbacks {
		cb(mv)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.drop(conn, websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (c *Channel) current() *websocket.Conn {
	c.connM.Lock()
	defer c.connM.Unlock()
	return c.conn
}

// drop closes conn if it is still the live connection and starts reconnecting.
func (c *Channel) drop(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	c.connM.Lock()
	live := c.conn == conn
	if live {
		c.conn = nil
	}
	c.connM.Unlock()
	_ = conn.Close(code, reason)
	if !live || c.isStopping() {
		return
	}
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateReconnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			dialCtx, cancel := context.WithTimeout(c.rootCtx, 10*time.Second)
			conn, err := c.dial(dialCtx)
			cancel()
			if err != nil {
				c.logger.Debug("peer_reconnect_error", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			c.attach(conn)
			return
		}
		c.setState(StateFailed)
		c.logger.Warn("peer_reconnect_exhausted", zap.Int("attempts", c.maxReconnectAttempts))
	}()
}

func (c *Channel) OnMove(cb MoveHandler) {
	if cb == nil {
		return
	}
	c.cbM.Lock()
	c.moveCbs = append(c.moveCbs, cb)
	c.cbM.Unlock()
}

func (c *Channel) OnStateChange(cb StateHandler) {
	if cb == nil {
		return
	}
	c.cbM.Lock()
	c.stateCbs = append(c.stateCbs, cb)
	c.cbM.Unlock()
}

func (c *Channel) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Channel) setState(state State) {
	c.stateM.Lock()
	c.state = state
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := append([]StateHandler(nil), c.stateCbs...)
	c.cbM.RUnlock()
	for _, cb := range callbacks {
		cb(state)
	}
}

// Close stops every goroutine and closes the live connection.
func (c *Channel) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if conn := c.current(); conn != nil {
		c.connM.Lock()
		c.conn = nil
		c.connM.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Channel) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}
