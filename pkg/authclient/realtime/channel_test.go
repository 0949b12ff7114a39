package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/auth"
	"github.com/Qarib2004/rentcar-sub001/internal/config"
	"github.com/Qarib2004/rentcar-sub001/internal/rbac"
	gateway "github.com/Qarib2004/rentcar-sub001/internal/realtime"
	"github.com/Qarib2004/rentcar-sub001/internal/session"
	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newChannel(t *testing.T, opts Options) *Channel {
	t.Helper()
	ch, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(ch.Disconnect)
	return ch
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, 3*time.Second, 5*time.Millisecond,
		"state %s, want %s", ch.State(), want)
}

// fakeServer accepts handshakes and hands each connection to serve with its 1-based index.
type fakeServer struct {
	srv   *httptest.Server
	dials atomic.Int64
}

func newFakeServer(t *testing.T, serve func(n int, conn *websocket.Conn, r *http.Request)) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(f.dials.Add(1))
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{proto.Subprotocol}})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		serve(n, conn, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// hold keeps a connection open until the peer goes away.
func hold(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestChannel_ServerDisconnectReconnectsImmediately(t *testing.T) {
	fake := newFakeServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
		if n == 1 {
			_ = conn.Close(websocket.StatusCode(proto.CloseServerDisconnect), "session superseded")
			return
		}
		hold(conn)
	})

	// A transport failure would go straight to offline with this budget.
	ch := newChannel(t, Options{
		URL:             wsURL(fake.srv),
		TokenSource:     func() string { return "token" },
		MaxAttempts:     1,
		InitialInterval: time.Hour,
	})
	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool { return fake.dials.Load() == 2 }, 3*time.Second, 5*time.Millisecond)
	waitState(t, ch, StateConnected)
}

func TestChannel_GoingAwayReconnectsAndResubscribes(t *testing.T) {
	subscribed := make(chan int, 4)
	fake := newFakeServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var env proto.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == proto.TypeSubscribe {
				subscribed <- n
				if n == 1 {
					_ = conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
			}
		}
	})

	ch := newChannel(t, Options{URL: wsURL(fake.srv), TokenSource: func() string { return "token" }})
	_, err := ch.Subscribe(context.Background(), "public:fleet")
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))

	for _, want := range []int{1, 2} {
		select {
		case got := <-subscribed:
			require.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("no subscribe on connection %d", want)
		}
	}
}

func TestChannel_GoesOfflineAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ch := newChannel(t, Options{
		URL:             wsURL(srv),
		TokenSource:     func() string { return "token" },
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	require.NoError(t, ch.Connect(context.Background()))

	waitState(t, ch, StateOffline)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 3, dials.Load())
	require.Equal(t, StateOffline, ch.State())
}

func TestChannel_UnauthorizedWaitsForNewCredential(t *testing.T) {
	fake := newFakeServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) { hold(conn) })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(proto.TokenParam) != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fake.srv.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ch := newChannel(t, Options{URL: wsURL(srv), TokenSource: func() string { return "stale" }})
	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, ch, StateUnauthorized)
	require.Equal(t, "stale", ch.Token())

	ch.ReconnectWithNewCredential("fresh")
	waitState(t, ch, StateConnected)
	require.Equal(t, "fresh", ch.Token())
}

func TestChannel_EmptyTokenIsUnauthorizedWithoutDialing(t *testing.T) {
	fake := newFakeServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) { hold(conn) })
	ch := newChannel(t, Options{URL: wsURL(fake.srv), TokenSource: func() string { return "" }})
	require.NoError(t, ch.Connect(context.Background()))

	waitState(t, ch, StateUnauthorized)
	require.Zero(t, fake.dials.Load())
}

func TestChannel_DisconnectClosesSubscriptions(t *testing.T) {
	fake := newFakeServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) { hold(conn) })
	ch := newChannel(t, Options{URL: wsURL(fake.srv), TokenSource: func() string { return "token" }})

	states := ch.States(t.Context())
	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, ch, StateConnected)

	a, err := ch.Subscribe(context.Background(), "public:fleet")
	require.NoError(t, err)
	b, err := ch.Subscribe(context.Background(), "public:fleet")
	require.NoError(t, err)
	require.Equal(t, 2, ch.Subscriptions())

	ch.Disconnect()
	require.Equal(t, StateIdle, ch.State())
	require.Zero(t, ch.Subscriptions())
	for _, s := range []*Subscription{a, b} {
		_, open := <-s.Events()
		require.False(t, open)
	}
	// Closing after Disconnect is harmless.
	a.Close()

	var seen []State
	for len(seen) < 3 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("states so far: %v", seen)
		}
	}
	require.Equal(t, []State{StateConnecting, StateConnected, StateIdle}, seen)
}

type gatewayFixture struct {
	tokens *auth.Manager
	reg    *session.MemoryRegistry
	gw     *gateway.Gateway
	srv    *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	tokens, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret-test-secret-test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	reg := session.NewMemoryRegistry(time.Hour)
	gw := gateway.NewGateway(nil, auth.NewAuthenticator(tokens, reg), gateway.Options{})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	changes, err := reg.Watch(t.Context())
	require.NoError(t, err)
	go func() { _ = gw.Follow(t.Context(), changes) }()
	return &gatewayFixture{tokens: tokens, reg: reg, gw: gw, srv: srv}
}

func (f *gatewayFixture) issue(t *testing.T, userID string) auth.TokenPair {
	t.Helper()
	pair, err := f.tokens.IssuePair(time.Now(), userID, rbac.RoleCustomer)
	require.NoError(t, err)
	return pair
}

func TestChannel_EventsFromGateway(t *testing.T) {
	f := newGatewayFixture(t)
	pair := f.issue(t, "user-1")
	require.NoError(t, f.reg.RecordSession(context.Background(), session.NewRecord("user-1", pair.AccessToken, pair.RefreshToken, time.Now())))

	ch := newChannel(t, Options{URL: wsURL(f.srv), TokenSource: func() string { return pair.AccessToken }})
	sub, err := ch.Subscribe(context.Background(), proto.UserTopic("user-1"))
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, ch, StateConnected)

	require.Eventually(t, func() bool {
		n, err := f.gw.Publish(proto.UserTopic("user-1"), map[string]string{"booking": "confirmed"})
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case ev := <-sub.Events():
		require.Equal(t, proto.UserTopic("user-1"), ev.Topic)
		require.JSONEq(t, `{"booking":"confirmed"}`, string(ev.Data))
	case <-time.After(3 * time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestChannel_RotationMovesConnectionToNewCredential(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	first := f.issue(t, "user-1")
	require.NoError(t, f.reg.RecordSession(ctx, session.NewRecord("user-1", first.AccessToken, first.RefreshToken, time.Now())))

	var current atomic.Value
	current.Store(first.AccessToken)
	ch := newChannel(t, Options{URL: wsURL(f.srv), TokenSource: func() string { return current.Load().(string) }})
	require.NoError(t, ch.Connect(ctx))
	waitState(t, ch, StateConnected)

	second := f.issue(t, "user-1")
	require.NoError(t, f.reg.Rotate(ctx, "user-1", first.RefreshToken, session.NewRecord("user-1", second.AccessToken, second.RefreshToken, time.Now())))
	current.Store(second.AccessToken)
	ch.ReconnectWithNewCredential(second.AccessToken)

	require.Eventually(t, func() bool {
		clients := f.gw.Hub().All()
		return ch.State() == StateConnected &&
			ch.Token() == second.AccessToken &&
			len(clients) == 1 &&
			clients[0].AccessFingerprint == session.Fingerprint(second.AccessToken)
	}, 3*time.Second, 10*time.Millisecond)
}
