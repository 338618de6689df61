// Package signalvalkey shares the signal store between processes through
// ValKey. Values are plain keys, changes are published on a pub/sub channel.
package signalvalkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/pkg/signal"
)

const resubscribeDelay = time.Second

// message is the payload published for every change.
type message struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

type subscription struct {
	pattern string
	handler signal.Handler
}

type Channel struct {
	valkey valkey.Client
	prefix string
	id     string

	mu   sync.Mutex
	subs map[int]subscription
	next int

	cancel context.CancelFunc
	done   chan struct{}
}

var _ signal.Channel = (*Channel)(nil)

// NewChannel creates a context on the shared store and starts listening for
// changes of the other contexts until ctx is done or Close is called.
func NewChannel(ctx context.Context, valkeyClient valkey.Client, prefix string) *Channel {
	ctx, cancel := context.WithCancel(ctx)

	c := &Channel{
		valkey: valkeyClient,
		prefix: strings.TrimSuffix(prefix, ":"),
		id:     uuid.NewString(),
		subs:   make(map[int]subscription),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.listen(ctx)

	return c
}

func (c *Channel) Read(ctx context.Context, key string) (string, bool) {
	v, err := c.valkey.Do(ctx, c.valkey.B().Get().Key(c.key(key)).Build()).ToString()
	if err != nil {
		if !valkey.IsValkeyNil(err) {
			slogctx.Warn(ctx, "Could not read from the signal store", "key", key, "error", err)
		}

		return "", false
	}

	return v, true
}

func (c *Channel) Write(ctx context.Context, key, value string) {
	old, err := c.valkey.Do(ctx, c.valkey.B().Set().Key(c.key(key)).Value(value).Get().Build()).ToString()
	switch {
	case err == nil && old == value:
		return
	case err != nil && !valkey.IsValkeyNil(err):
		slogctx.Warn(ctx, "Could not write to the signal store", "key", key, "error", err)
		return
	}

	c.publish(ctx, message{Origin: c.id, Key: key, Value: value})
}

func (c *Channel) Remove(ctx context.Context, key string) {
	n, err := c.valkey.Do(ctx, c.valkey.B().Del().Key(c.key(key)).Build()).AsInt64()
	if err != nil {
		slogctx.Warn(ctx, "Could not remove from the signal store", "key", key, "error", err)
		return
	}

	if n == 0 {
		return
	}

	c.publish(ctx, message{Origin: c.id, Key: key, Removed: true})
}

func (c *Channel) Keys(ctx context.Context, pattern string) []string {
	keyPrefix := c.key("")

	var keys []string
	var cursor uint64
	for {
		scan, err := c.valkey.Do(ctx, c.valkey.B().Scan().Cursor(cursor).Match(keyPrefix+pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			slogctx.Warn(ctx, "Could not list the signal store", "pattern", pattern, "error", err)
			return nil
		}

		for _, element := range scan.Elements {
			key := strings.TrimPrefix(element, keyPrefix)
			if signal.Match(pattern, key) {
				keys = append(keys, key)
			}
		}

		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}

	sort.Strings(keys)

	return keys
}

func (c *Channel) OnChange(pattern string, handler signal.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	c.subs[id] = subscription{pattern: pattern, handler: handler}

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Close stops listening for changes. The ValKey client is owned by the caller.
func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

func (c *Channel) key(key string) string {
	return fmt.Sprintf("%s:kv:%s", c.prefix, key)
}

func (c *Channel) topic() string {
	return c.prefix + ":changes"
}

func (c *Channel) publish(ctx context.Context, msg message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slogctx.Warn(ctx, "Could not encode a change", "key", msg.Key, "error", err)
		return
	}

	err = c.valkey.Do(ctx, c.valkey.B().Publish().Channel(c.topic()).Message(string(payload)).Build()).Error()
	if err != nil {
		slogctx.Warn(ctx, "Could not publish a change", "key", msg.Key, "error", err)
	}
}

func (c *Channel) listen(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.valkey.Receive(ctx, c.valkey.B().Subscribe().Channel(c.topic()).Build(), func(m valkey.PubSubMessage) {
			c.receive(ctx, m.Message)
		})
		if ctx.Err() != nil {
			return
		}

		slogctx.Warn(ctx, "Signal subscription ended, resubscribing", "error", err)

		select {
		case <-time.After(resubscribeDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) receive(ctx context.Context, payload string) {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slogctx.Warn(ctx, "Could not decode a change", "error", err)
		return
	}

	if msg.Origin == c.id {
		return
	}

	change := signal.Change{Key: msg.Key, Value: msg.Value, Removed: msg.Removed}

	c.mu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]signal.Handler, 0, len(ids))
	for _, id := range ids {
		if s := c.subs[id]; signal.Match(s.pattern, change.Key) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, change)
	}
}
