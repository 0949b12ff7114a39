package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/auth"
	"github.com/Qarib2004/rentcar-sub001/internal/session"
	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	maxFrameBytes = 64 << 10

	wsMaxPingFailures = 3
	wsCloseGrace      = time.Second
)

// ConnObserver is told about every opened and closed connection.
type ConnObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Options tunes the gateway. Zero values take defaults.
type Options struct {
	// AllowedOrigins are host patterns for cross-origin handshakes (e.g. "localhost:*").
	AllowedOrigins []string

	SendQueue         int
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Observer ConnObserver
}

func (o Options) withDefaults() Options {
	out := o
	if out.SendQueue <= 0 {
		out.SendQueue = 64
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.ReadIdleTimeout <= 0 {
		out.ReadIdleTimeout = 2 * time.Minute
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 10 * time.Second
	}
	return out
}

// Gateway is the websocket entrypoint of the realtime channel.
//
// The handshake is authenticated before upgrade: the access token travels in the
// "token" query parameter and must be the principal's current session.
type Gateway struct {
	log   *slog.Logger
	authn *auth.Authenticator
	hub   *Hub
	opts  Options
	clock func() time.Time
}

func NewGateway(log *slog.Logger, authn *auth.Authenticator, opts Options) *Gateway {
	log = logger.OrNop(log)
	return &Gateway{
		log:   log,
		authn: authn,
		hub:   NewHub(log),
		opts:  opts.withDefaults(),
		clock: time.Now,
	}
}

// Hub exposes the connection index (admin endpoints and tests).
func (g *Gateway) Hub() *Hub { return g.hub }

// Publish fans data out to every subscriber of topic.
func (g *Gateway) Publish(topic string, data any) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	env, err := proto.NewEnvelope(proto.TypeEvent, uuid.NewString(), g.clock().UTC(), proto.EventPayload{Topic: topic, Data: raw})
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return g.hub.Broadcast(topic, env), nil
}

// DisconnectPrincipal closes every connection of principalID whose credential fingerprint differs
// from currentFP. An empty currentFP closes them all.
func (g *Gateway) DisconnectPrincipal(principalID, currentFP, reason string) int {
	n := 0
	for _, c := range g.hub.ForPrincipal(principalID) {
		if currentFP != "" && c.AccessFingerprint == currentFP {
			continue
		}
		go c.Kick(websocket.StatusCode(proto.CloseServerDisconnect), reason)
		n++
	}
	return n
}

// Shutdown closes every connection with StatusGoingAway and waits for the close handshakes.
func (g *Gateway) Shutdown() {
	var wg sync.WaitGroup
	for _, c := range g.hub.All() {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Kick(websocket.StatusGoingAway, "server shutting down")
		}(c)
	}
	wg.Wait()
}

// ServeHTTP authenticates the handshake, upgrades and runs the connection loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(proto.TokenParam)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := g.authn.Authenticate(r.Context(), token, g.clock())
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrSessionUnavailable):
		g.log.Error("ws.reject.registry", "err", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	default:
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{proto.Subprotocol},
		OriginPatterns: g.opts.AllowedOrigins,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != proto.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.serve(r.Context(), conn, NewClient(uuid.NewString(), claims.UserID, claims.Role, session.Fingerprint(token), g.opts.SendQueue), token)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, client *Client, token string) {
	log := g.log.With("client_id", client.ID, "principal_id", client.PrincipalID)

	// The request context is not canceled on hijacked connections; detach and own the lifetime.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	var once sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		once.Do(func() {
			g.hub.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}
	client.setKick(shutdown)

	g.hub.Register(client)
	// Registry changes published between the handshake check and Register never reach apply.
	ok, err := g.authn.Sessions.Validate(ctx, client.PrincipalID, token)
	switch {
	case err != nil:
		log.Error("ws.recheck.registry", "err", err)
		shutdown(websocket.StatusTryAgainLater, "session store unavailable")
		return
	case !ok:
		log.Info("ws.recheck.stale")
		shutdown(websocket.StatusCode(proto.CloseServerDisconnect), "session superseded")
		return
	}
	if g.opts.Observer != nil {
		g.opts.Observer.ConnectionOpened()
		defer g.opts.Observer.ConnectionClosed()
	}
	log.Info("ws.connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.opts.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err == nil {
					failures = 0
					continue
				}
				failures++
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	g.readLoop(ctx, conn, client, shutdown, log)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.disconnected")
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string), log *slog.Logger) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.opts.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			var (
				syntax  *json.SyntaxError
				typeErr *json.UnmarshalTypeError
			)
			switch {
			case errors.As(err, &syntax), errors.As(err, &typeErr):
				g.sendError(client, "bad_json", "invalid JSON")
				continue
			case websocket.CloseStatus(err) != -1:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				shutdown(websocket.StatusNormalClosure, "idle")
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case proto.TypeSubscribe:
			g.onSubscribe(client, env)
		case proto.TypeUnsubscribe:
			var p proto.TopicPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				g.sendError(client, "bad_payload", "invalid payload")
				continue
			}
			if topic, err := p.Normalize(); err == nil {
				g.hub.Unsubscribe(client, topic)
			}
		case proto.TypePing:
			g.send(client, proto.TypePong, proto.PingPayload{})
		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

func (g *Gateway) onSubscribe(client *Client, env proto.Envelope) {
	var p proto.TopicPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "bad_payload", "invalid payload")
		return
	}
	topic, err := p.Normalize()
	if err != nil {
		g.sendError(client, "bad_topic", err.Error())
		return
	}
	if !canSubscribe(client.PrincipalID, client.Role, topic) {
		g.sendError(client, "forbidden", "topic not allowed: "+topic)
		return
	}
	g.hub.Subscribe(client, topic)
	g.send(client, proto.TypeSubscribed, proto.TopicPayload{Topic: topic})
}

func (g *Gateway) send(client *Client, typ string, payload any) {
	env, err := proto.NewEnvelope(typ, uuid.NewString(), g.clock().UTC(), payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	_ = client.enqueue(env)
}

func (g *Gateway) sendError(client *Client, code, msg string) {
	g.send(client, proto.TypeError, proto.ErrorPayload{Code: code, Message: msg})
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (proto.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return proto.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return proto.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return proto.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env proto.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
