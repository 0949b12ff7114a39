// Command smoke drives the client SDK against a running API: sign in, read the principal,
// follow the private realtime topic for a while, force one refresh, then sign out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/credstore"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/lifecycle"
	"github.com/Qarib2004/rentcar-sub001/pkg/authclient/realtime"
	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"
	"github.com/Qarib2004/rentcar-sub001/pkg/utils"

	"github.com/spf13/pflag"
)

type options struct {
	baseURL   string
	email     string
	password  string
	name      string
	register  bool
	follow    time.Duration
	redisAddr string
	namespace string
	env       string
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	fs := pflag.NewFlagSet("smoke", pflag.ContinueOnError)
	fs.StringVar(&o.baseURL, "url", "http://127.0.0.1:8080", "API base URL")
	fs.StringVar(&o.email, "email", "", "account email")
	fs.StringVar(&o.password, "password", "", "account password")
	fs.StringVar(&o.name, "name", "Smoke Test", "display name used with --register")
	fs.BoolVar(&o.register, "register", false, "create the account before signing in")
	fs.DurationVar(&o.follow, "follow", 5*time.Second, "how long to print realtime events")
	fs.StringVar(&o.redisAddr, "redis", "", "persist credentials in Redis at this address instead of memory")
	fs.StringVar(&o.namespace, "namespace", "smoke", "credential namespace in Redis")
	fs.StringVar(&o.env, "env", "dev", "log level profile (dev logs debug)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if o.email == "" || o.password == "" {
		return errors.New("--email and --password are required")
	}

	log := logger.NewWriter(os.Stderr, o.env)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, o)
	if err != nil {
		return err
	}
	defer closeBackend()

	ctl, err := lifecycle.New(lifecycle.Options{
		BaseURL: o.baseURL,
		Backend: backend,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer ctl.Close()

	ctl.OnChange(func(s lifecycle.Snapshot) {
		log.Info("session", "status", string(s.Status), "loading", s.IsLoading)
	})
	ctl.Channel().OnState(func(s realtime.State) {
		log.Info("realtime", "state", string(s))
	})

	if err := ctl.Start(ctx); err != nil {
		return err
	}

	var p lifecycle.Principal
	if snap := ctl.Snapshot(); snap.IsAuthenticated {
		p = *snap.Principal
		log.Info("resumed persisted session", "principal_id", p.ID)
	} else if o.register {
		p, err = ctl.Register(ctx, o.email, o.password, o.name)
	} else {
		p, err = ctl.Login(ctx, o.email, o.password)
	}
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	me, err := ctl.Fetch(ctx, "/auth/me")
	if err != nil {
		return fmt.Errorf("fetch principal: %w", err)
	}
	fmt.Println(string(me))

	sub, err := ctl.Channel().Subscribe(ctx, proto.UserTopic(p.ID))
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := ctl.RefreshNow(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	follow(ctx, log, sub, o.follow)

	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := ctl.Logout(logoutCtx); err != nil {
		log.Warn("server-side logout failed", "err", err)
	}
	return nil
}

func follow(ctx context.Context, log *slog.Logger, sub *realtime.Subscription, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			log.Info("event", "topic", ev.Topic, "data", string(ev.Data))
		}
	}
}

func openBackend(ctx context.Context, o options) (credstore.Backend, func(), error) {
	if o.redisAddr == "" {
		return credstore.NewMemoryArea().Tab(), func() {}, nil
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: o.redisAddr})
	if err != nil {
		return nil, nil, err
	}
	b := credstore.NewRedisBackend(rdb, credstore.RedisOptions{Namespace: o.namespace})
	return b, func() { _ = rdb.Close() }, nil
}
