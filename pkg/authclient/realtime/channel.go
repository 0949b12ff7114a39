// Package realtime is the client side of the realtime channel: one authenticated websocket,
// a reconnect loop with an attempt ceiling, and topic subscriptions that survive reconnects.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateOffline is terminal for the current loop: the attempt ceiling was reached.
	StateOffline State = "offline"
	// StateUnauthorized means the handshake credential was rejected.
	StateUnauthorized State = "unauthorized"
)

var errUnauthorized = errors.New("realtime: handshake unauthorized")

const maxFrameBytes = 64 << 10

// Options configures a Channel. URL is required.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string

	// TokenSource returns the access credential for the next handshake.
	TokenSource func() string

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	DialTimeout     time.Duration
	WriteTimeout    time.Duration

	// EventBuffer is the per-subscription queue size. Events beyond it are dropped.
	EventBuffer int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.InitialInterval <= 0 {
		out.InitialInterval = 500 * time.Millisecond
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 30 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 32
	}
	out.Logger = logger.OrNop(out.Logger)
	return out
}

// Event is one server event delivered to a subscription.
type Event struct {
	Topic string
	Data  json.RawMessage
	At    time.Time
}

// Channel manages a single realtime connection. Methods are safe for concurrent use.
type Channel struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	token   string
	pending string
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[string]map[*Subscription]struct{}

	// wake interrupts any wait in the loop; buffered so senders never block.
	wake chan struct{}

	lmu       sync.Mutex
	listeners map[int]func(State)
	nextID    int
}

func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("realtime: URL: %w", err)
	}
	return &Channel{
		opts:      opts.withDefaults(),
		state:     StateIdle,
		subs:      make(map[string]map[*Subscription]struct{}),
		wake:      make(chan struct{}, 1),
		listeners: make(map[int]func(State)),
	}, nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token is the credential used by the most recent handshake.
func (c *Channel) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// OnState registers fn for every state transition. fn runs on the loop goroutine and
// must not block on the channel.
func (c *Channel) OnState(fn func(State)) (cancel func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// States streams state transitions until ctx is done. Slow readers miss transitions.
func (c *Channel) States(ctx context.Context) <-chan State {
	out := make(chan State, 16)
	var mu sync.Mutex
	closed := false
	cancel := c.OnState(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- s:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		cancel()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.lmu.Lock()
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Connect starts the connection loop. It returns immediately; progress is reported through
// State and OnState. Calling Connect on a running channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	return nil
}

// Disconnect stops the loop, closes the connection and closes every subscription.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.pending = ""
	subs := c.subs
	c.subs = make(map[string]map[*Subscription]struct{})
	for _, set := range subs {
		for s := range set {
			s.closeLocked()
		}
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	if done != nil {
		<-done
	}
	c.setState(StateIdle)
}

// ReconnectWithNewCredential tears the connection down and redials with access.
// On a stopped channel it only records the credential for the next Connect.
func (c *Channel) ReconnectWithNewCredential(access string) {
	c.mu.Lock()
	c.pending = access
	conn := c.conn
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "credential rotated")
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval

	attempts := 0
	c.drainWake()
	c.setState(StateConnecting)

	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errUnauthorized) {
				c.opts.Logger.Info("realtime: handshake rejected")
				c.setState(StateUnauthorized)
				if !c.park(ctx) {
					return
				}
				attempts = 0
				b.Reset()
				c.setState(StateConnecting)
				continue
			}
			c.opts.Logger.Debug("realtime: dial failed", "err", err, "attempt", attempts+1)
			if !c.retry(ctx, b, &attempts) {
				return
			}
			continue
		}

		if c.woken() {
			// Rotated while dialing; this handshake used the old token.
			c.detach(conn)
			continue
		}
		attempts = 0
		b.Reset()
		c.setState(StateConnected)
		c.resubscribe(ctx, conn)

		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}

		switch {
		case c.woken():
			// Credential rotation: redial at once with the new token.
			c.setState(StateConnecting)
		case serverInitiated(err):
			c.opts.Logger.Info("realtime: server closed connection", "status", websocket.CloseStatus(err))
			c.setState(StateReconnecting)
		default:
			c.opts.Logger.Debug("realtime: connection lost", "err", err)
			if !c.retry(ctx, b, &attempts) {
				return
			}
		}
	}
}

// retry counts one failed attempt and waits out the backoff delay, or parks in offline
// once the ceiling is reached. It reports false when the loop should stop.
func (c *Channel) retry(ctx context.Context, b *backoff.ExponentialBackOff, attempts *int) bool {
	*attempts++
	if *attempts >= c.opts.MaxAttempts {
		c.opts.Logger.Warn("realtime: giving up", "attempts", *attempts)
		c.setState(StateOffline)
		if !c.park(ctx) {
			return false
		}
		*attempts = 0
		b.Reset()
		c.setState(StateConnecting)
		return true
	}

	c.setState(StateReconnecting)
	t := time.NewTimer(b.NextBackOff())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	case <-t.C:
		return true
	}
}

// park waits for ReconnectWithNewCredential or cancellation.
func (c *Channel) park(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	}
}

func (c *Channel) woken() bool {
	select {
	case <-c.wake:
		return true
	default:
		return false
	}
}

func (c *Channel) drainWake() {
	for c.woken() {
	}
}

func (c *Channel) nextToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.pending
	c.pending = ""
	if token == "" && c.opts.TokenSource != nil {
		token = c.opts.TokenSource()
	}
	c.token = token
	return token
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token := c.nextToken()
	if token == "" {
		return nil, errUnauthorized
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(proto.TokenParam, token)
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
		HTTPClient:   c.opts.HTTPClient,
		Subprotocols: []string{proto.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
		return nil, ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.CloseNow()
}

func serverInitiated(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusCode(proto.CloseServerDisconnect), websocket.StatusGoingAway:
		return true
	}
	return false
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.opts.Logger.Debug("realtime: dropping undecodable frame", "err", err)
			continue
		}
		switch env.Type {
		case proto.TypeEvent:
			var p proto.EventPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.dispatch(Event{Topic: p.Topic, Data: p.Data, At: env.TS})
		case proto.TypeError:
			var p proto.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.opts.Logger.Warn("realtime: server error", "code", p.Code, "message", p.Message)
		}
	}
}

func (c *Channel) send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	env, err := proto.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func (c *Channel) resubscribe(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		if err := c.send(ctx, conn, proto.TypeSubscribe, proto.TopicPayload{Topic: t}); err != nil {
			c.opts.Logger.Debug("realtime: resubscribe failed", "topic", t, "err", err)
			return
		}
	}
}
