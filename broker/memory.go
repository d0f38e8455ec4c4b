package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/askdata/conductor/errors"
)

// MemoryGateway is an in-process Gateway used by tests and single-binary
// runs. Semantics match the Redis gateway: FIFO lists, last-write-wins
// keys with TTL, best-effort fan-out pub/sub.
type MemoryGateway struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	keys    map[string]memoryValue
	subs    map[string][]*memorySubscription
	waiters map[string][]chan struct{}
	closed  bool
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryGateway creates an empty in-memory broker
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		lists:   make(map[string][][]byte),
		keys:    make(map[string]memoryValue),
		subs:    make(map[string][]*memorySubscription),
		waiters: make(map[string][]chan struct{}),
	}
}

// Push appends a payload to the named list
func (g *MemoryGateway) Push(ctx context.Context, list string, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.Wrap(errors.ErrBrokerUnavailable, "gateway closed")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	g.lists[list] = append(g.lists[list], buf)

	// Wake one blocked popper, if any
	if ws := g.waiters[list]; len(ws) > 0 {
		close(ws[0])
		g.waiters[list] = ws[1:]
	}
	return nil
}

// BlockingPop waits up to timeout for the oldest payload on the named list
func (g *MemoryGateway) BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, errors.Wrap(errors.ErrBrokerUnavailable, "gateway closed")
		}
		if items := g.lists[list]; len(items) > 0 {
			head := items[0]
			g.lists[list] = items[1:]
			g.mu.Unlock()
			return head, nil
		}
		wake := make(chan struct{})
		g.waiters[list] = append(g.waiters[list], wake)
		g.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			g.dropWaiter(list, wake)
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
			// Re-check the list: a competing consumer may win the race
		case <-timer.C:
			g.dropWaiter(list, wake)
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			g.dropWaiter(list, wake)
			return nil, ctx.Err()
		}
	}
}

func (g *MemoryGateway) dropWaiter(list string, wake chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws := g.waiters[list]
	for i, w := range ws {
		if w == wake {
			g.waiters[list] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// Get returns the value at key, or errors.ErrNotFound
func (g *MemoryGateway) Get(ctx context.Context, key string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	val, ok := g.liveValueLocked(key)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "key %s", key)
	}
	out := make([]byte, len(val.data))
	copy(out, val.data)
	return out, nil
}

// Set writes the value at key with an optional TTL
func (g *MemoryGateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(key, value, ttl)
	return nil
}

// CompareAndSet writes value at key only if the current value equals expect
func (g *MemoryGateway) CompareAndSet(ctx context.Context, key string, expect, value []byte, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.liveValueLocked(key)
	if expect == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || string(current.data) != string(expect) {
			return false, nil
		}
	}
	g.setLocked(key, value, ttl)
	return true, nil
}

// Delete removes a key
func (g *MemoryGateway) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

// Publish sends a payload to all current subscribers of channel
func (g *MemoryGateway) Publish(ctx context.Context, channel string, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs[channel] {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		select {
		case sub.ch <- buf:
		default:
			// Slow subscriber - best-effort delivery drops the message
		}
	}
	return nil
}

// Subscribe returns a live subscription to channel
func (g *MemoryGateway) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.Wrap(errors.ErrBrokerUnavailable, "gateway closed")
	}
	sub := &memorySubscription{
		gateway: g,
		channel: channel,
		ch:      make(chan []byte, 64),
	}
	g.subs[channel] = append(g.subs[channel], sub)
	return sub, nil
}

// ListLen returns the current length of the named list
func (g *MemoryGateway) ListLen(ctx context.Context, list string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(len(g.lists[list])), nil
}

// ScanKeys returns live keys matching a glob pattern (only trailing-star
// patterns are supported, which is all the orchestrator uses)
func (g *MemoryGateway) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	g.mu.Lock()
	defer g.mu.Unlock()
	var keys []string
	for k := range g.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := g.liveValueLocked(k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close shuts the gateway down; subsequent operations fail
func (g *MemoryGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	for _, subs := range g.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	g.subs = make(map[string][]*memorySubscription)
	return nil
}

// liveValueLocked returns the value at key if present and unexpired.
// REQUIRES: g.mu held. Expired keys are removed lazily.
func (g *MemoryGateway) liveValueLocked(key string) (memoryValue, bool) {
	val, ok := g.keys[key]
	if !ok {
		return memoryValue{}, false
	}
	if !val.expiresAt.IsZero() && time.Now().After(val.expiresAt) {
		delete(g.keys, key)
		return memoryValue{}, false
	}
	return val, true
}

// setLocked stores a copy of value at key. REQUIRES: g.mu held.
func (g *MemoryGateway) setLocked(key string, value []byte, ttl time.Duration) {
	buf := make([]byte, len(value))
	copy(buf, value)
	val := memoryValue{data: buf}
	if ttl > 0 {
		val.expiresAt = time.Now().Add(ttl)
	}
	g.keys[key] = val
}

type memorySubscription struct {
	gateway   *MemoryGateway
	channel   string
	ch        chan []byte
	closeOnce sync.Once
}

func (s *memorySubscription) Channel() <-chan []byte { return s.ch }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		g := s.gateway
		g.mu.Lock()
		subs := g.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				g.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		close(s.ch)
	})
	return nil
}
