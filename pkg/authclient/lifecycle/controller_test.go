package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/audit"
	"github.com/Qarib2004/rentcar-sub001/internal/auth"
	"github.com/Qarib2004/rentcar-sub001/internal/config"
	"github.com/Qarib2004/rentcar-sub001/internal/httpapi"
	"github.com/Qarib2004/rentcar-sub001/internal/metrics"
	gateway "github.com/Qarib2004/rentcar-sub001/internal/realtime"
	"github.com/Qarib2004/rentcar-sub001/internal/session"
	"github.com/Qarib2004/rentcar-sub001/internal/users"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/credstore"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/realtime"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/transport"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// stack is the API server with an in-memory registry and the realtime gateway.
type stack struct {
	srv *httptest.Server
	reg *session.MemoryRegistry
	gw  *gateway.Gateway

	requests atomic.Int64
	refresh  atomic.Int64
	cars     atomic.Int64
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret-test-secret-test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	s := &stack{reg: session.NewMemoryRegistry(time.Hour)}
	authn := auth.NewAuthenticator(tokens, s.reg)
	s.gw = gateway.NewGateway(nil, authn, gateway.Options{})

	h := httpapi.Handlers{
		Users:    users.NewServiceWithCost(users.NewMemoryRepo(), bcrypt.MinCost),
		Tokens:   tokens,
		Sessions: s.reg,
		Audit:    audit.NewService(audit.NewMemoryRepo()),
		Metrics:  metrics.New(),
		Realtime: s.gw,
	}
	authMW := auth.RequireAccessToken(authn, h.Metrics)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		s.requests.Add(1)
		if c.Request.URL.Path == "/auth/refresh" {
			s.refresh.Add(1)
		}
		c.Next()
	})
	r.GET("/ws", gin.WrapH(s.gw))
	r.GET("/cars", authMW, func(c *gin.Context) {
		s.cars.Add(1)
		c.JSON(http.StatusOK, gin.H{"cars": []string{"corolla", "civic"}})
	})
	h.Mount(r, authMW)

	s.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		s.gw.Shutdown()
		s.srv.Close()
	})

	changes, err := s.reg.Watch(t.Context())
	require.NoError(t, err)
	go func() { _ = s.gw.Follow(t.Context(), changes) }()
	return s
}

type fakeNavigator struct {
	mu        sync.Mutex
	location  string
	redirects []string
}

func (n *fakeNavigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *fakeNavigator) Redirect(to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, to)
}

func (n *fakeNavigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

// failingRoundTripper fails requests to path with a network error.
type failingRoundTripper struct {
	path string
}

func (f failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == f.path {
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

// unauthorizedRoundTripper answers requests to path with 401, as an expired access token would.
type unauthorizedRoundTripper struct {
	path string
}

func (u unauthorizedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == u.path {
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Status:     "401 Unauthorized",
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newController(t *testing.T, s *stack, area *credstore.MemoryArea, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		BaseURL: s.srv.URL,
		Backend: area.Tab(),
		Realtime: realtime.Options{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitRealtime(t *testing.T, c *Controller, s *stack, access string) {
	t.Helper()
	require.Eventually(t, func() bool {
		clients := s.gw.Hub().All()
		return c.Channel().State() == realtime.StateConnected &&
			c.Channel().Token() == access &&
			len(clients) == 1 &&
			clients[0].AccessFingerprint == session.Fingerprint(access)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{Backend: credstore.NewMemoryArea().Tab()})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestOptions_DerivesRealtimeURL(t *testing.T) {
	o, err := Options{BaseURL: "https://api.example.com/", Backend: credstore.NewMemoryArea().Tab()}.withDefaults()
	require.NoError(t, err)
	require.Equal(t, "wss://api.example.com/ws", o.RealtimeURL)
}

func TestController_StartWithoutCredentialMakesNoCalls(t *testing.T) {
	s := newStack(t)
	c := newController(t, s, credstore.NewMemoryArea(), nil)

	require.NoError(t, c.Start(context.Background()))

	snap := c.Snapshot()
	require.Equal(t, StatusUnauthenticated, snap.Status)
	require.False(t, snap.IsLoading)
	require.Nil(t, snap.Principal)
	require.Zero(t, s.requests.Load())
}

func TestController_RegisterLoginAndRealtime(t *testing.T) {
	s := newStack(t)
	c := newController(t, s, credstore.NewMemoryArea(), nil)
	ctx := context.Background()

	p, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", p.Email)

	snap := c.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, p.ID, snap.Principal.ID)
	waitRealtime(t, c, s, c.Store().Access())

	_, err = c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.ErrorIs(t, err, ErrEmailTaken)
	require.True(t, c.Snapshot().IsAuthenticated, "failed sign-in keeps the current session")
}

func TestController_LoginWithWrongPassword(t *testing.T) {
	s := newStack(t)
	area := credstore.NewMemoryArea()
	seed := newController(t, s, area, nil)
	_, err := seed.Register(context.Background(), "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.NoError(t, seed.Logout(context.Background()))

	c := newController(t, s, credstore.NewMemoryArea(), nil)
	var seen []Status
	c.OnChange(func(s Snapshot) { seen = append(seen, s.Status) })

	_, err = c.Login(context.Background(), "ana@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, StatusUnauthenticated, c.Snapshot().Status)
	require.Equal(t, []Status{StatusAuthenticating, StatusUnauthenticated}, seen)
}

func TestController_LogoutIsUnconditional(t *testing.T) {
	s := newStack(t)
	area := credstore.NewMemoryArea()
	c := newController(t, s, area, func(o *Options) {
		o.HTTPBase = failingRoundTripper{path: "/auth/logout"}
	})
	ctx := context.Background()

	_, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	waitRealtime(t, c, s, c.Store().Access())

	err = c.Logout(ctx)
	require.Error(t, err, "server-side failure is reported")

	snap := c.Snapshot()
	require.Equal(t, StatusUnauthenticated, snap.Status)
	require.Nil(t, snap.Principal)
	require.True(t, c.Store().Pair().Empty())
	require.Equal(t, realtime.StateIdle, c.Channel().State())
	_, ok := area.Raw(credstore.KeyAccess)
	require.False(t, ok)
}

func TestController_LogoutRevokesServerSession(t *testing.T) {
	s := newStack(t)
	c := newController(t, s, credstore.NewMemoryArea(), nil)
	ctx := context.Background()

	p, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))

	_, err = s.reg.Get(ctx, p.ID)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestController_RefreshReconnectsRealtime(t *testing.T) {
	s := newStack(t)
	c := newController(t, s, credstore.NewMemoryArea(), nil)
	ctx := context.Background()

	_, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	first := c.Store().Access()
	waitRealtime(t, c, s, first)

	require.NoError(t, c.RefreshNow(ctx))
	second := c.Store().Access()
	require.NotEqual(t, first, second)
	waitRealtime(t, c, s, second)
	require.EqualValues(t, 1, s.refresh.Load())
}

func TestController_ExpiredAccessRefreshesTransparently(t *testing.T) {
	s := newStack(t)
	c := newController(t, s, credstore.NewMemoryArea(), nil)
	ctx := context.Background()

	_, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.NoError(t, c.Store().UpdateAccess(ctx, "expired"))

	body, err := c.Fetch(ctx, "/cars")
	require.NoError(t, err)
	require.Contains(t, string(body), "corolla")
	require.EqualValues(t, 1, s.refresh.Load())
	waitRealtime(t, c, s, c.Store().Access())
}

func TestController_FetchCachesUntilSignOut(t *testing.T) {
	s := newStack(t)
	c := newController(t, s, credstore.NewMemoryArea(), nil)
	ctx := context.Background()

	_, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(ctx, "/cars")
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, s.cars.Load())

	require.NoError(t, c.Logout(ctx))
	_, err = c.Login(ctx, "ana@example.com", "password123")
	require.NoError(t, err)
	_, err = c.Fetch(ctx, "/cars")
	require.NoError(t, err)
	require.EqualValues(t, 2, s.cars.Load())
}

func TestController_StartResolvesPersistedIdentity(t *testing.T) {
	s := newStack(t)
	area := credstore.NewMemoryArea()
	ctx := context.Background()

	first := newController(t, s, area, nil)
	p, err := first.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	first.Close()

	second := newController(t, s, area, nil)
	var loading atomic.Bool
	second.OnChange(func(s Snapshot) {
		if s.IsLoading {
			loading.Store(true)
		}
	})
	require.NoError(t, second.Start(ctx))

	snap := second.Snapshot()
	require.True(t, loading.Load())
	require.False(t, snap.IsLoading)
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, p.ID, snap.Principal.ID)
}

func TestController_StartWithRejectedCredentialSignsOutSilently(t *testing.T) {
	s := newStack(t)
	area := credstore.NewMemoryArea()
	ctx := context.Background()
	require.NoError(t, credstore.New(area.Tab(), credstore.Options{}).SetPair(ctx, "stale-access", "stale-refresh"))

	nav := &fakeNavigator{location: "/bookings"}
	c := newController(t, s, area, func(o *Options) { o.Navigator = nav })

	require.NoError(t, c.Start(ctx))

	snap := c.Snapshot()
	require.Equal(t, StatusUnauthenticated, snap.Status)
	require.False(t, snap.IsLoading)
	require.True(t, c.Store().Pair().Empty())
	require.Empty(t, nav.Redirects())
}

func TestController_SessionEndRedirectsFromProtectedRoute(t *testing.T) {
	s := newStack(t)
	nav := &fakeNavigator{location: "/bookings/42?tab=details"}
	c := newController(t, s, credstore.NewMemoryArea(), func(o *Options) { o.Navigator = nav })
	ctx := context.Background()

	p, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.NoError(t, s.reg.Revoke(ctx, p.ID))

	_, err = c.Fetch(ctx, "/cars")
	require.Error(t, err)

	require.Eventually(t, func() bool { return len(nav.Redirects()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "/login?returnTo=%2Fbookings%2F42%3Ftab%3Ddetails", nav.Redirects()[0])
	require.Eventually(t, func() bool { return c.Snapshot().Status == StatusUnauthenticated }, 3*time.Second, 10*time.Millisecond)
	require.True(t, c.Store().Pair().Empty())
}

func TestController_SessionEndOnPublicRouteDoesNotRedirect(t *testing.T) {
	s := newStack(t)
	nav := &fakeNavigator{location: "/cars/7"}
	c := newController(t, s, credstore.NewMemoryArea(), func(o *Options) { o.Navigator = nav })
	ctx := context.Background()

	p, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.NoError(t, s.reg.Revoke(ctx, p.ID))

	err = c.RefreshNow(ctx)
	require.ErrorIs(t, err, transport.ErrSessionEnded)
	require.Eventually(t, func() bool { return c.Snapshot().Status == StatusUnauthenticated }, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, nav.Redirects())
}

func TestController_LogoutWithDeadSessionDoesNotRedirect(t *testing.T) {
	s := newStack(t)
	nav := &fakeNavigator{location: "/bookings/42"}
	c := newController(t, s, credstore.NewMemoryArea(), func(o *Options) {
		o.Navigator = nav
		o.HTTPBase = unauthorizedRoundTripper{path: "/auth/logout"}
	})
	ctx := context.Background()

	p, err := c.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)
	require.NoError(t, s.reg.Revoke(ctx, p.ID))

	// The logout call hits 401, the refresh it triggers is rejected and the session ends.
	err = c.Logout(ctx)
	require.ErrorIs(t, err, transport.ErrSessionEnded)
	require.EqualValues(t, 1, s.refresh.Load())

	require.Equal(t, StatusUnauthenticated, c.Snapshot().Status)
	require.True(t, c.Store().Pair().Empty())
	require.Never(t, func() bool { return len(nav.Redirects()) > 0 }, 300*time.Millisecond, 10*time.Millisecond)

	// A later sign-in restores the redirect on session end.
	p, err = c.Login(ctx, "ana@example.com", "password123")
	require.NoError(t, err)
	require.NoError(t, s.reg.Revoke(ctx, p.ID))
	require.ErrorIs(t, c.RefreshNow(ctx), transport.ErrSessionEnded)
	require.Eventually(t, func() bool { return len(nav.Redirects()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestController_CrossTabLogout(t *testing.T) {
	s := newStack(t)
	area := credstore.NewMemoryArea()
	ctx := context.Background()

	tab1 := newController(t, s, area, nil)
	require.NoError(t, tab1.Start(ctx))
	_, err := tab1.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)

	tab2 := newController(t, s, area, nil)
	require.NoError(t, tab2.Start(ctx))
	require.True(t, tab2.Snapshot().IsAuthenticated)

	require.NoError(t, tab1.Logout(ctx))

	require.Eventually(t, func() bool {
		return tab2.Snapshot().Status == StatusUnauthenticated &&
			tab2.Channel().State() == realtime.StateIdle
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, tab2.Store().Pair().Empty())
}

func TestController_CrossTabLoginIsPickedUp(t *testing.T) {
	s := newStack(t)
	area := credstore.NewMemoryArea()
	ctx := context.Background()

	tab2 := newController(t, s, area, nil)
	require.NoError(t, tab2.Start(ctx))

	tab1 := newController(t, s, area, nil)
	p, err := tab1.Register(ctx, "ana@example.com", "password123", "Ana")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := tab2.Snapshot()
		return snap.IsAuthenticated && snap.Principal.ID == p.ID
	}, 3*time.Second, 10*time.Millisecond)
}

func TestController_IsPublic(t *testing.T) {
	c := &Controller{opts: Options{PublicPaths: []string{"/", "/cars"}}}
	require.True(t, c.isPublic("/"))
	require.True(t, c.isPublic("/cars?page=2"))
	require.True(t, c.isPublic("/cars/7"))
	require.False(t, c.isPublic("/carsharing"))
	require.False(t, c.isPublic("/bookings"))
}
