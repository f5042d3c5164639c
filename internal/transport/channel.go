package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chess-arena-go/pkg/wire"
)

// State is the connection lifecycle of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrUnavailable is returned by Send while the channel is not connected.
// Sends are best-effort and never queued.
var ErrUnavailable = errors.New("transport unavailable")

type MessageHandler func(env *wire.Envelope)

type StateHandler func(state State)

type msgEntry struct {
	id      int
	handler MessageHandler
}

type stateEntry struct {
	id      int
	handler StateHandler
}

// link binds the goroutines serving one physical connection so a reconnect
// replaces them instead of stacking new ones on top.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	drop   sync.Once
}

// Channel maintains at most one logical WebSocket connection to the
// coordination server. On unexpected loss it retries indefinitely with a
// bounded backoff until Close is called.
type Channel struct {
	wsURL string
	log   *zap.Logger

	cur    *link
	state  State
	stateM sync.RWMutex

	msgCbs   []msgEntry
	stateCbs []stateEntry
	nextCbID int
	cbM      sync.RWMutex

	attempts       int
	attemptsM      sync.Mutex
	reconnectDelay time.Duration
	pingInterval   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func New(wsURL string, reconnectDelay time.Duration, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	return &Channel{
		wsURL:          wsURL,
		log:            log,
		state:          StateDisconnected,
		reconnectDelay: reconnectDelay,
		pingInterval:   30 * time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (c *Channel) Connect(ctx context.Context) error {
	c.stateM.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.stateM.Unlock()
		return nil
	}
	c.stateM.Unlock()

	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return err
	}

	c.adopt(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	return conn, err
}

func (c *Channel) adopt(conn *websocket.Conn) {
	// a dial still in flight when Close ran must not resurrect the channel
	if c.isStopping() {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		return
	}
	lctx, cancel := context.WithCancel(c.rootCtx)
	l := &link{conn: conn, ctx: lctx, cancel: cancel}
	c.stateM.Lock()
	c.cur = l
	c.stateM.Unlock()
	c.resetAttempts()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(l)
	go c.pingLoop(l)
}

// dropLink tears one connection down exactly once and, unless the channel is
// closing, kicks off the reconnect loop.
func (c *Channel) dropLink(l *link, reason string) {
	l.drop.Do(func() {
		l.cancel()
		_ = l.conn.Close(websocket.StatusGoingAway, reason)
		c.stateM.Lock()
		if c.cur == l {
			c.cur = nil
		}
		c.stateM.Unlock()
		c.setState(StateDisconnected)
		if !c.isStopping() {
			c.scheduleReconnect()
		}
	})
}

func (c *Channel) listen(l *link) {
	defer c.wg.Done()
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if c.isStopping() {
				return
			}
			c.dropLink(l, "read error")
			return
		}

		var env wire.Envelope
		if uerr := json.Unmarshal(data, &env); uerr != nil || env.Type == "" {
			// a single bad frame never terminates the connection
			c.log.Warn("ws_malformed_frame", zap.Int("bytes", len(data)))
			continue
		}

		c.cbM.RLock()
		handlers := make([]msgEntry, len(c.msgCbs))
		copy(handlers, c.msgCbs)
		c.cbM.RUnlock()
		for _, entry := range handlers {
			if entry.handler != nil {
				entry.handler(&env)
			}
		}
	}
}

func (c *Channel) pingLoop(l *link) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(l.ctx, 3*time.Second)
			err := l.conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if c.isStopping() {
						return
					}
					c.dropLink(l, "ping failure")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// scheduleReconnect retries the dial until Close is called. Only an explicit
// Close stops the loop; individual failures just wait out the next delay.
func (c *Channel) scheduleReconnect() {
	go func() {
		for {
			attempt := c.bumpAttempts()
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDelay(c.reconnectDelay, attempt)):
			}

			if c.isStopping() {
				return
			}
			c.setState(StateConnecting)
			conn, err := c.dial(c.rootCtx)
			if err != nil {
				c.log.Warn("ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				c.setState(StateDisconnected)
				continue
			}

			c.log.Info("ws_reconnected", zap.Int("attempt", attempt))
			c.adopt(conn)
			return
		}
	}()
}

// Send writes one envelope when connected. While disconnected the message is
// dropped with a warning and ErrUnavailable; there is no retry queue.
func (c *Channel) Send(ctx context.Context, env *wire.Envelope) error {
	c.stateM.RLock()
	l, state := c.cur, c.state
	c.stateM.RUnlock()
	if l == nil || state != StateConnected {
		c.log.Warn("ws_send_dropped", zap.String("type", envType(env)))
		return ErrUnavailable
	}
	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(dctx, l.conn, env)
}

func (c *Channel) OnMessage(h MessageHandler) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.msgCbs = append(c.msgCbs, msgEntry{id: c.nextCbID, handler: h})
	return c.nextCbID
}

func (c *Channel) RemoveMessageHandler(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, entry := range c.msgCbs {
		if entry.id == id {
			c.msgCbs = append(c.msgCbs[:i], c.msgCbs[i+1:]...)
			break
		}
	}
}

func (c *Channel) OnStateChange(h StateHandler) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, stateEntry{id: c.nextCbID, handler: h})
	return c.nextCbID
}

func (c *Channel) RemoveStateHandler(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, entry := range c.stateCbs {
		if entry.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

// ReconnectAttempts is the number of reconnect dials since the last
// successful connect.
func (c *Channel) ReconnectAttempts() int {
	c.attemptsM.Lock()
	defer c.attemptsM.Unlock()
	return c.attempts
}

// Close cancels any pending reconnect and closes the connection. Idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.stateM.RLock()
	l := c.cur
	c.stateM.RUnlock()
	if l != nil {
		l.drop.Do(func() {
			l.cancel()
			_ = l.conn.Close(websocket.StatusNormalClosure, "close")
			c.stateM.Lock()
			if c.cur == l {
				c.cur = nil
			}
			c.stateM.Unlock()
		})
	}
	c.setState(StateDisconnected)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if c.rootCancel != nil {
			c.rootCancel()
		}
		return nil
	}
}

func (c *Channel) setState(state State) {
	c.stateM.Lock()
	changed := c.state != state
	c.state = state
	c.stateM.Unlock()
	if !changed {
		return
	}

	c.cbM.RLock()
	handlers := make([]stateEntry, len(c.stateCbs))
	copy(handlers, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range handlers {
		if entry.handler != nil {
			entry.handler(state)
		}
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

func (c *Channel) bumpAttempts() int {
	c.attemptsM.Lock()
	defer c.attemptsM.Unlock()
	c.attempts++
	return c.attempts
}

func (c *Channel) resetAttempts() {
	c.attemptsM.Lock()
	c.attempts = 0
	c.attemptsM.Unlock()
}

// backoffDelay doubles the base per attempt, capped at 32x.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * base
}

func envType(env *wire.Envelope) string {
	if env == nil {
		return ""
	}
	return env.Type
}
