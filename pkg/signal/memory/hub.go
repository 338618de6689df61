// Package signalmemory provides an in-process signal channel. A Hub plays
// the role of the shared origin store, every Channel created from it is one
// context.
package signalmemory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/portfolio-site/pkg/signal"
)

var errUnavailable = errors.New("storage unavailable")

type Hub struct {
	values *cache.Cache

	mu       sync.Mutex
	channels map[string]*Channel

	unavailable atomic.Bool
}

func NewHub() *Hub {
	return &Hub{
		values:   cache.New(cache.NoExpiration, 0),
		channels: make(map[string]*Channel),
	}
}

// SetUnavailable makes every storage access fail, like a disabled or full
// browser storage.
func (h *Hub) SetUnavailable(unavailable bool) {
	h.unavailable.Store(unavailable)
}

// NewChannel returns a new context attached to the hub.
func (h *Hub) NewChannel() *Channel {
	c := &Channel{
		hub:  h,
		id:   uuid.NewString(),
		subs: make(map[int]subscription),
	}

	h.mu.Lock()
	h.channels[c.id] = c
	h.mu.Unlock()

	return c
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	delete(h.channels, id)
	h.mu.Unlock()
}

func (h *Hub) read(key string) (string, bool, error) {
	if h.unavailable.Load() {
		return "", false, errUnavailable
	}

	v, ok := h.values.Get(key)
	if !ok {
		return "", false, nil
	}

	s, _ := v.(string)
	return s, true, nil
}

// write stores the value and returns the contexts to notify. Nothing is
// returned if the value didn't change.
func (h *Hub) write(origin, key, value string) ([]*Channel, error) {
	if h.unavailable.Load() {
		return nil, errUnavailable
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.values.Get(key); ok && old == value {
		return nil, nil
	}

	h.values.Set(key, value, cache.NoExpiration)

	return h.others(origin), nil
}

func (h *Hub) remove(origin, key string) ([]*Channel, error) {
	if h.unavailable.Load() {
		return nil, errUnavailable
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.values.Get(key); !ok {
		return nil, nil
	}

	h.values.Delete(key)

	return h.others(origin), nil
}

func (h *Hub) keys(pattern string) ([]string, error) {
	if h.unavailable.Load() {
		return nil, errUnavailable
	}

	var keys []string
	for key := range h.values.Items() {
		if signal.Match(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

func (h *Hub) others(origin string) []*Channel {
	others := make([]*Channel, 0, len(h.channels))
	for id, c := range h.channels {
		if id != origin {
			others = append(others, c)
		}
	}

	return others
}

type subscription struct {
	pattern string
	handler signal.Handler
}

// Channel is one context of a Hub.
type Channel struct {
	hub *Hub
	id  string

	mu   sync.Mutex
	subs map[int]subscription
	next int
}

var _ signal.Channel = (*Channel)(nil)

func (c *Channel) Read(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.hub.read(key)
	if err != nil {
		slogctx.Warn(ctx, "Could not read from the signal store", "key", key, "error", err)
		return "", false
	}

	return v, ok
}

func (c *Channel) Write(ctx context.Context, key, value string) {
	others, err := c.hub.write(c.id, key, value)
	if err != nil {
		slogctx.Warn(ctx, "Could not write to the signal store", "key", key, "error", err)
		return
	}

	notify(ctx, others, signal.Change{Key: key, Value: value})
}

func (c *Channel) Remove(ctx context.Context, key string) {
	others, err := c.hub.remove(c.id, key)
	if err != nil {
		slogctx.Warn(ctx, "Could not remove from the signal store", "key", key, "error", err)
		return
	}

	notify(ctx, others, signal.Change{Key: key, Removed: true})
}

func (c *Channel) Keys(ctx context.Context, pattern string) []string {
	keys, err := c.hub.keys(pattern)
	if err != nil {
		slogctx.Warn(ctx, "Could not list the signal store", "pattern", pattern, "error", err)
		return nil
	}

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

// Close detaches the channel from its hub.
func (c *Channel) Close() {
	c.hub.detach(c.id)
}

func (c *Channel) dispatch(ctx context.Context, change signal.Change) {
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

// notify delivers on the writer's goroutine, outside of any lock, so
// handlers may use the store again.
func notify(ctx context.Context, channels []*Channel, change signal.Change) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range channels {
		c.dispatch(ctx, change)
	}
}
