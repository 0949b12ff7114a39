package realtime

import (
	"context"
	"sync"

	proto "github.com/Qarib2004/rentcar-sub001/pkg/realtimeproto"
)

// Subscription is one listener on a topic. Its event stream is closed by Close or by
// Channel.Disconnect.
type Subscription struct {
	ch     *Channel
	topic  string
	events chan Event
	once   sync.Once
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) Events() <-chan Event { return s.events }

// Close removes the subscription. The server is told to unsubscribe when it was the
// topic's last listener.
func (s *Subscription) Close() {
	c := s.ch
	c.mu.Lock()
	set := c.subs[s.topic]
	if _, ok := set[s]; !ok {
		c.mu.Unlock()
		return
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(c.subs, s.topic)
	}
	s.closeLocked()
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		_ = c.send(context.Background(), conn, proto.TypeUnsubscribe, proto.TopicPayload{Topic: s.topic})
	}
}

// closeLocked closes the stream. Caller holds s.ch.mu.
func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.events) })
}

// Subscribe registers a listener on topic. The subscription is sent now when connected and
// again after every reconnect.
func (c *Channel) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	t, err := proto.TopicPayload{Topic: topic}.Normalize()
	if err != nil {
		return nil, err
	}

	s := &Subscription{ch: c, topic: t, events: make(chan Event, c.opts.EventBuffer)}

	c.mu.Lock()
	set, ok := c.subs[t]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.subs[t] = set
	}
	set[s] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if !ok && conn != nil {
		if err := c.send(ctx, conn, proto.TypeSubscribe, proto.TopicPayload{Topic: t}); err != nil {
			// Resent on the next connect.
			c.opts.Logger.Debug("realtime: subscribe not sent", "topic", t, "err", err)
		}
	}
	return s, nil
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs[ev.Topic] {
		select {
		case s.events <- ev:
		default:
			c.opts.Logger.Debug("realtime: subscriber queue full, dropping event", "topic", ev.Topic)
		}
	}
}

// Subscriptions reports the number of live subscriptions.
func (c *Channel) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, set := range c.subs {
		n += len(set)
	}
	return n
}
