// Package lifecycle owns the client session: sign-in and sign-out, startup identity
// resolution, and the wiring between the credential store, the HTTP interceptor and the
// realtime channel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/credstore"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/querycache"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/realtime"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/transport"
	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
)

type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
)

// Snapshot is the observable session state.
type Snapshot struct {
	Principal       *Principal
	Status          Status
	IsAuthenticated bool
	// IsLoading is set while startup identity resolution runs.
	IsLoading bool
}

// Navigator is the UI's router as seen by the controller.
type Navigator interface {
	Location() string
	Redirect(to string)
}

// Options configures a Controller. BaseURL and Backend are required.
type Options struct {
	// BaseURL is the API origin, e.g. http://localhost:8080.
	BaseURL string
	// RealtimeURL defaults to BaseURL with a ws scheme and the /ws path.
	RealtimeURL string

	Backend      credstore.Backend
	StoreOptions credstore.Options

	// Realtime tunes the channel. URL and TokenSource are set by the controller.
	Realtime realtime.Options
	Cache    querycache.Options

	// HTTPBase performs the actual round trips. Defaults to http.DefaultTransport.
	HTTPBase       http.RoundTripper
	RequestTimeout time.Duration

	Navigator   Navigator
	SignInPath  string
	PublicPaths []string

	Logger *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	out := o
	if out.BaseURL == "" {
		return out, errors.New("lifecycle: BaseURL is required")
	}
	if out.Backend == nil {
		return out, errors.New("lifecycle: Backend is required")
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.RealtimeURL == "" {
		u, err := url.Parse(out.BaseURL)
		if err != nil {
			return out, fmt.Errorf("lifecycle: BaseURL: %w", err)
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
		out.RealtimeURL = u.String()
	}
	if out.HTTPBase == nil {
		out.HTTPBase = http.DefaultTransport
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 15 * time.Second
	}
	if out.SignInPath == "" {
		out.SignInPath = "/login"
	}
	if out.PublicPaths == nil {
		out.PublicPaths = []string{"/", "/login", "/register", "/cars"}
	}
	out.Logger = logger.OrNop(out.Logger)
	return out, nil
}

// Controller is the one owner of client session state. Create it with New and release it
// with Close.
type Controller struct {
	opts      Options
	log       *slog.Logger
	store     *credstore.Store
	transport *transport.Transport
	channel   *realtime.Channel
	cache     *querycache.Cache
	client    *http.Client

	life      context.Context
	stop      context.CancelFunc
	unhook    []func()
	syncOnce  sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	snap Snapshot

	// signingOut is set by Logout and cleared by the next sign-in. A session end observed
	// meanwhile was asked for and does not redirect.
	signingOut atomic.Bool

	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
}

func New(opts Options) (*Controller, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:      opts,
		log:       opts.Logger,
		snap:      Snapshot{Status: StatusUnauthenticated},
		listeners: make(map[int]func(Snapshot)),
	}
	c.life, c.stop = context.WithCancel(context.Background())

	storeOpts := opts.StoreOptions
	if storeOpts.Logger == nil {
		storeOpts.Logger = opts.Logger
	}
	c.store = credstore.New(opts.Backend, storeOpts)

	c.transport, err = transport.New(c.store, transport.Options{
		RefreshURL:     opts.BaseURL + "/auth/refresh",
		Base:           opts.HTTPBase,
		OnRefreshed:    c.onRefreshed,
		OnSessionEnded: c.onSessionEnded,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.client = &http.Client{Transport: c.transport, Timeout: opts.RequestTimeout}

	rtOpts := opts.Realtime
	rtOpts.URL = opts.RealtimeURL
	rtOpts.TokenSource = c.store.Access
	if rtOpts.Logger == nil {
		rtOpts.Logger = opts.Logger
	}
	if c.channel, err = realtime.New(rtOpts); err != nil {
		return nil, err
	}

	if c.cache, err = querycache.New(opts.Cache); err != nil {
		return nil, err
	}

	c.unhook = append(c.unhook,
		c.channel.OnState(c.onRealtimeState),
		c.store.OnChange(c.onStoreChange),
	)
	return c, nil
}

// Client returns an HTTP client for application calls. It carries the access credential
// and recovers from expiry transparently.
func (c *Controller) Client() *http.Client { return c.client }

func (c *Controller) Channel() *realtime.Channel { return c.channel }
func (c *Controller) Store() *credstore.Store { return c.store }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.snap
	if s.Principal != nil {
		p := *s.Principal
		s.Principal = &p
	}
	return s
}

// OnChange registers fn for every snapshot change.
func (c *Controller) OnChange(fn func(Snapshot)) (cancel func()) {
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

func (c *Controller) update(fn func(s *Snapshot)) {
	c.mu.Lock()
	fn(&c.snap)
	c.snap.IsAuthenticated = c.snap.Status == StatusAuthenticated
	s := c.snapshotLocked()
	c.mu.Unlock()

	c.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Status
}

// Start follows other tabs' credential writes and resolves the persisted identity, if any.
// Without a persisted credential it makes no network call. A failed resolution signs out
// silently.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.syncOnce.Do(func() {
		if _, serr := c.store.StartSync(c.life); serr != nil {
			err = serr
		}
	})
	if err != nil {
		return err
	}

	if c.store.Pair().Empty() {
		c.update(func(s *Snapshot) { s.Status = StatusUnauthenticated })
		return nil
	}

	c.update(func(s *Snapshot) { s.IsLoading = true })
	c.resolve(ctx, true)
	return nil
}

// resolve asks the API who the persisted credential belongs to. With forget set, a failure
// also forgets the credential.
func (c *Controller) resolve(ctx context.Context, forget bool) {
	var me meResponse
	err := c.call(ctx, http.MethodGet, "/auth/me", nil, &me)
	if err != nil {
		c.log.Debug("lifecycle: identity resolution failed", "err", err)
		if !forget {
			return
		}
		if cerr := c.store.Clear(ctx); cerr != nil {
			c.log.Warn("lifecycle: clear credentials failed", "err", cerr)
		}
		c.channel.Disconnect()
		c.cache.Purge()
		c.update(func(s *Snapshot) {
			s.Status = StatusUnauthenticated
			s.Principal = nil
			s.IsLoading = false
		})
		return
	}

	c.signingOut.Store(false)
	c.update(func(s *Snapshot) {
		p := me.User
		s.Principal = &p
		s.Status = StatusAuthenticated
		s.IsLoading = false
	})
	c.connect()
}

// Login signs in with email and password and opens the realtime channel.
func (c *Controller) Login(ctx context.Context, email, password string) (Principal, error) {
	return c.signIn(ctx, "/auth/login", credentials{Email: email, Password: password})
}

// Register creates an account and signs in with it.
func (c *Controller) Register(ctx context.Context, email, password, name string) (Principal, error) {
	return c.signIn(ctx, "/auth/register", credentials{Email: email, Password: password, Name: name})
}

func (c *Controller) signIn(ctx context.Context, path string, in credentials) (Principal, error) {
	prev := c.Snapshot()
	c.update(func(s *Snapshot) { s.Status = StatusAuthenticating })

	var out sessionResponse
	if err := c.call(ctx, http.MethodPost, path, in, &out); err != nil {
		c.update(func(s *Snapshot) { s.Status = prev.Status })
		switch statusOf(err) {
		case http.StatusUnauthorized:
			return Principal{}, ErrInvalidCredentials
		case http.StatusConflict:
			return Principal{}, ErrEmailTaken
		}
		return Principal{}, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		c.update(func(s *Snapshot) { s.Status = prev.Status })
		return Principal{}, errors.New("lifecycle: sign-in response without credentials")
	}

	if prev.Principal == nil || prev.Principal.ID != out.User.ID {
		c.cache.Purge()
	}
	if err := c.store.SetPair(ctx, out.AccessToken, out.RefreshToken); err != nil {
		// The cache holds the pair; only persistence failed.
		c.log.Warn("lifecycle: persist credentials failed", "err", err)
	}

	p := out.User
	c.signingOut.Store(false)
	c.update(func(s *Snapshot) {
		s.Principal = &p
		s.Status = StatusAuthenticated
		s.IsLoading = false
	})
	c.connect()
	return p, nil
}

func (c *Controller) connect() {
	if c.channel.State() == realtime.StateIdle {
		if err := c.channel.Connect(c.life); err != nil {
			c.log.Warn("lifecycle: realtime connect failed", "err", err)
		}
		return
	}
	c.channel.ReconnectWithNewCredential(c.store.Access())
}

// Logout signs out locally in every case. The returned error only reports a failed
// server-side revocation.
func (c *Controller) Logout(ctx context.Context) error {
	c.signingOut.Store(true)
	var err error
	if c.store.Access() != "" {
		err = c.call(ctx, http.MethodPost, "/auth/logout", nil, nil)
		if err != nil {
			c.log.Info("lifecycle: server-side logout failed", "err", err)
		}
	}
	c.teardown(ctx)
	return err
}

// teardown is the local sign-out. Safe to call repeatedly and concurrently.
func (c *Controller) teardown(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.log.Warn("lifecycle: clear credentials failed", "err", err)
	}
	c.channel.Disconnect()
	c.cache.Purge()
	c.update(func(s *Snapshot) {
		s.Principal = nil
		s.Status = StatusUnauthenticated
		s.IsLoading = false
	})
}

// RefreshNow runs a refresh cycle, joining one already in flight.
func (c *Controller) RefreshNow(ctx context.Context) error {
	_, err := c.transport.Refresh(ctx)
	return err
}

// Fetch GETs path through the interceptor, serving repeated reads from the query cache.
func (c *Controller) Fetch(ctx context.Context, path string) ([]byte, error) {
	if b, ok := c.cache.Get(path); ok {
		return b, nil
	}
	gen := c.cache.Generation()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	c.cache.Set(gen, path, b)
	return b, nil
}

// Close stops background work. The persisted credential is kept.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		for _, fn := range c.unhook {
			fn()
		}
		c.stop()
		c.channel.Disconnect()
		c.cache.Close()
	})
}

func (c *Controller) onRefreshed(access string) {
	if c.channel.State() == realtime.StateIdle {
		return
	}
	c.channel.ReconnectWithNewCredential(access)
}

func (c *Controller) onSessionEnded(err error) {
	if !c.store.Pair().Empty() {
		// Signed in again before the hook ran.
		return
	}
	c.log.Info("lifecycle: session ended", "err", err)
	c.endSession()
}

func (c *Controller) endSession() {
	wasSignedIn := c.status() != StatusUnauthenticated
	c.teardown(c.life)
	if wasSignedIn && !c.signingOut.Load() {
		c.redirectToSignIn()
	}
}

// redirectToSignIn sends a protected location to the sign-in page, keeping it as returnTo.
func (c *Controller) redirectToSignIn() {
	nav := c.opts.Navigator
	if nav == nil {
		return
	}
	loc := nav.Location()
	if c.isPublic(loc) {
		return
	}
	nav.Redirect(c.opts.SignInPath + "?" + url.Values{"returnTo": {loc}}.Encode())
}

func (c *Controller) isPublic(loc string) bool {
	path := loc
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, p := range c.opts.PublicPaths {
		if path == p || (p != "/" && strings.HasPrefix(path, p+"/")) {
			return true
		}
	}
	return false
}

// onRealtimeState runs on the channel's loop goroutine, so anything that may wait on the
// channel moves to its own goroutine.
func (c *Controller) onRealtimeState(s realtime.State) {
	if s != realtime.StateUnauthorized || c.status() != StatusAuthenticated {
		return
	}
	go func() {
		if c.store.Access() == "" {
			return
		}
		access, err := c.transport.Renew(c.life, c.channel.Token())
		if err != nil {
			c.log.Debug("lifecycle: renew after realtime rejection failed", "err", err)
			return
		}
		c.channel.ReconnectWithNewCredential(access)
	}()
}

// onStoreChange reacts to other tabs' writes.
func (c *Controller) onStoreChange(ch credstore.Change) {
	if !ch.Remote {
		return
	}
	switch {
	case ch.Pair.Empty():
		go c.endSession()
	case c.status() == StatusAuthenticated:
		if ch.Pair.Access != "" && ch.Pair.Access != c.channel.Token() {
			c.channel.ReconnectWithNewCredential(ch.Pair.Access)
		}
	case c.status() == StatusUnauthenticated:
		// Signed in from another tab.
		go c.resolve(c.life, false)
	}
}
