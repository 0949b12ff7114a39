package realtime

import (
	"context"
	"errors"

	"github.com/Qarib2004/rentcar-sub001/internal/session"
)

// ErrFeedClosed is returned by Watch when the registry change feed ends before ctx.
var ErrFeedClosed = errors.New("realtime: session change feed closed")

// Watch closes connections whose credential stopped being current. It consumes the registry
// change feed until ctx is done, so every API instance disconnects its own stale channels.
func (g *Gateway) Watch(ctx context.Context, reg session.Registry) error {
	changes, err := reg.Watch(ctx)
	if err != nil {
		return err
	}
	return g.Follow(ctx, changes)
}

// Follow applies an already subscribed change feed.
func (g *Gateway) Follow(ctx context.Context, changes <-chan session.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrFeedClosed
			}
			g.apply(c)
		}
	}
}

func (g *Gateway) apply(c session.Change) {
	reason := "session superseded"
	current := c.AccessFingerprint
	if c.Kind == session.ChangeRevoked {
		reason = "session revoked"
		current = ""
	}
	if n := g.DisconnectPrincipal(c.PrincipalID, current, reason); n > 0 {
		g.log.Info("ws.session.disconnect", "principal_id", c.PrincipalID, "kind", string(c.Kind), "connections", n)
	}
}
