// Package transport is the client's HTTP interceptor: it attaches the current access
// credential to every request and recovers from expired credentials with a single,
// shared refresh cycle.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
)

// Credentials is the slice of the credential store the interceptor uses.
// Only the refresh path writes, and only over the refresh credential it redeemed.
type Credentials interface {
	Access() string
	Refresh() string
	SetPairIf(ctx context.Context, expected, access, refresh string) (bool, error)
	ClearIf(ctx context.Context, expected string) (bool, error)
	// Load rereads the persisted pair, picking up writes from other contexts.
	Load(ctx context.Context) error
}

// Options configures a Transport. RefreshURL is required.
type Options struct {
	// RefreshURL is the absolute URL of the refresh endpoint.
	RefreshURL string

	// SkipPaths are request paths sent untouched (login, register, refresh).
	SkipPaths []string

	// Base performs the actual round trips. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	RefreshTimeout time.Duration
	// RotationGrace bounds how long a rejected refresh waits for another context sharing
	// the store to commit its rotation. Negative disables the wait.
	RotationGrace time.Duration

	// OnRefreshed runs once per successful cycle with the new access credential.
	OnRefreshed func(access string)
	// OnSessionEnded runs once per failed cycle, after the store is cleared. A cycle whose
	// credential was replaced meanwhile neither clears nor ends the session.
	OnSessionEnded func(err error)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Base == nil {
		out.Base = http.DefaultTransport
	}
	if out.RefreshTimeout <= 0 {
		out.RefreshTimeout = 10 * time.Second
	}
	if out.RotationGrace == 0 {
		out.RotationGrace = 250 * time.Millisecond
	}
	if out.SkipPaths == nil {
		out.SkipPaths = []string{"/auth/login", "/auth/register", "/auth/refresh"}
	}
	out.Logger = logger.OrNop(out.Logger)
	return out
}

// cycle is one refresh attempt shared by every request that needs it.
type cycle struct {
	done   chan struct{}
	access string
	err    error
}

func (c *cycle) wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.access, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Transport implements http.RoundTripper.
//
// Invariants:
//   - at most one refresh cycle is in flight;
//   - the new pair is committed to the store before any waiter is released;
//   - each logical request is replayed at most once.
type Transport struct {
	store Credentials
	opts  Options

	mu       sync.Mutex
	inflight *cycle

	refreshes atomic.Int64
}

var _ http.RoundTripper = (*Transport)(nil)

func New(store Credentials, opts Options) (*Transport, error) {
	if store == nil {
		return nil, errors.New("transport: credential store is required")
	}
	if opts.RefreshURL == "" {
		return nil, errors.New("transport: refresh URL is required")
	}
	return &Transport{store: store, opts: opts.withDefaults()}, nil
}

// Refreshes reports how many refresh calls this transport has made.
func (t *Transport) Refreshes() int64 { return t.refreshes.Load() }

// RoundTrip sends req with the current access credential. A 401 joins (or starts) the
// shared refresh cycle and replays req once with the resulting credential. A replay that
// fails with 401 again is returned as-is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skip(req) {
		return t.opts.Base.RoundTrip(req)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	sent := t.store.Access()
	resp, err := t.send(req, body, sent)
	if err != nil {
		// Network and timeout errors are not authorization failures.
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if sent == "" && t.store.Refresh() == "" {
		// Never signed in: nothing to recover.
		return resp, nil
	}

	drain(resp)
	access, err := t.renew(req.Context(), sent)
	if err != nil {
		return nil, err
	}
	// Single replay; a second 401 goes back to the caller.
	return t.send(req, body, access)
}

// Refresh joins the in-flight cycle or starts one, regardless of the current credential.
func (t *Transport) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	if c := t.inflight; c != nil {
		t.mu.Unlock()
		return c.wait(ctx)
	}
	if t.store.Access() == "" && t.store.Refresh() == "" {
		t.mu.Unlock()
		return "", &SessionEndedError{Cause: ErrNoCredential}
	}
	c := t.startLocked()
	t.mu.Unlock()
	return c.wait(ctx)
}

// Renew returns a credential newer than stale: the current one when it already rotated,
// otherwise the result of the shared refresh cycle.
func (t *Transport) Renew(ctx context.Context, stale string) (string, error) {
	return t.renew(ctx, stale)
}

// renew returns the credential a request sent with `sent` should be replayed with.
func (t *Transport) renew(ctx context.Context, sent string) (string, error) {
	t.mu.Lock()
	if c := t.inflight; c != nil {
		t.mu.Unlock()
		return c.wait(ctx)
	}

	cur := t.store.Access()
	if cur != "" && cur != sent {
		// Late arrival: the credential already rotated after this request was sent.
		t.mu.Unlock()
		return cur, nil
	}
	if cur == "" && t.store.Refresh() == "" {
		// A previous cycle already ended the session.
		t.mu.Unlock()
		return "", &SessionEndedError{Cause: ErrNoCredential}
	}

	c := t.startLocked()
	t.mu.Unlock()
	return c.wait(ctx)
}

// startLocked runs a new cycle detached from any caller's context, so one canceled
// request cannot fail the others waiting on it. Caller holds t.mu.
func (t *Transport) startLocked() *cycle {
	c := &cycle{done: make(chan struct{})}
	t.inflight = c
	go t.run(c)
	return c
}

func (t *Transport) run(c *cycle) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.RefreshTimeout)
	defer cancel()

	redeemed := t.store.Refresh()
	access, refresh, err := t.redeem(ctx, redeemed)
	ended, refreshed := false, false
	if err == nil {
		ok, perr := t.store.SetPairIf(ctx, redeemed, access, refresh)
		if perr != nil {
			// The cache is updated even when persisting fails.
			t.opts.Logger.Warn("transport: persist refreshed pair failed", "err", perr)
		}
		refreshed = ok
	} else {
		var rejected *RefreshRejectedError
		if !t.rotatedElsewhere(ctx, redeemed, errors.As(err, &rejected)) {
			ok, cerr := t.store.ClearIf(ctx, redeemed)
			if cerr != nil {
				t.opts.Logger.Warn("transport: clear credentials failed", "err", cerr)
			}
			ended = ok
		}
		if ended {
			err = &SessionEndedError{Cause: err}
		}
	}
	if !ended && !refreshed {
		// The pair was replaced while the redemption was out: a rotation committed by
		// another context sharing the store, or a new sign-in. Its credential is current.
		t.opts.Logger.Debug("transport: refresh superseded", "err", err)
		access, err = t.store.Access(), nil
		if access == "" {
			err = &SessionEndedError{Cause: ErrNoCredential}
		}
	}

	t.mu.Lock()
	c.access, c.err = access, err
	t.inflight = nil
	close(c.done)
	t.mu.Unlock()

	switch {
	case ended:
		t.opts.Logger.Info("transport: session ended", "err", err)
		if t.opts.OnSessionEnded != nil {
			t.opts.OnSessionEnded(err)
		}
	case refreshed:
		t.opts.Logger.Debug("transport: credentials refreshed")
		if t.opts.OnRefreshed != nil {
			t.opts.OnRefreshed(access)
		}
	}
}

// rotatedElsewhere rereads the store and reports whether its refresh credential moved on
// from redeemed. With wait set it polls up to RotationGrace, since a server rejection can
// arrive before the winning context has persisted its pair.
func (t *Transport) rotatedElsewhere(ctx context.Context, redeemed string, wait bool) bool {
	deadline := time.Now().Add(t.opts.RotationGrace)
	for {
		if err := t.store.Load(ctx); err != nil {
			t.opts.Logger.Warn("transport: reload credentials failed", "err", err)
		}
		if t.store.Refresh() != redeemed {
			return true
		}
		if !wait || !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// redeem calls the refresh endpoint. Any failure, including network errors, is terminal.
func (t *Transport) redeem(ctx context.Context, refreshToken string) (string, string, error) {
	if refreshToken == "" {
		return "", "", ErrNoCredential
	}
	t.refreshes.Add(1)

	b, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.RefreshURL, bytes.NewReader(b))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.opts.Base.RoundTrip(req)
	if err != nil {
		return "", "", fmt.Errorf("refresh request: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", "", &RefreshRejectedError{StatusCode: resp.StatusCode}
	}
	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", "", errors.New("refresh response without access token")
	}
	if out.RefreshToken == "" {
		// Server kept the refresh token.
		out.RefreshToken = refreshToken
	}
	return out.AccessToken, out.RefreshToken, nil
}

func (t *Transport) skip(req *http.Request) bool {
	for _, p := range t.opts.SkipPaths {
		if strings.HasSuffix(req.URL.Path, p) {
			return true
		}
	}
	return false
}

func (t *Transport) send(req *http.Request, body func() (io.ReadCloser, error), access string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if body != nil {
		rc, err := body()
		if err != nil {
			return nil, err
		}
		r.Body = rc
		r.GetBody = body
	}
	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	} else {
		r.Header.Del("Authorization")
	}
	return t.opts.Base.RoundTrip(r)
}

// snapshotBody makes the body replayable. It returns nil for bodiless requests.
func snapshotBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
