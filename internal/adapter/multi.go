package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// MultiAdapter composes heterogeneous adapters behind a single
// interface, keyed by platform, and routes outbound sends by
// Event.Platform.
//
// Grounded on the teacher's internal/channels.Manager, which keeps a
// registry map and dispatches outbound sends by channel name; here the
// key is the platform name and the registry is fixed at construction
// (platforms this process supports), while per-bot fan-out within a
// platform is AdapterPool's job, not MultiAdapter's.
type MultiAdapter struct {
	mu       sync.RWMutex
	children map[string]Adapter
	handlers []EventHandler
}

// NewMultiAdapter composes the given platform->Adapter map.
func NewMultiAdapter(children map[string]Adapter) *MultiAdapter {
	m := &MultiAdapter{children: make(map[string]Adapter, len(children))}
	for platform, a := range children {
		m.children[platform] = a
	}
	return m
}

// Connect attempts to connect every child concurrently. Per §5: "at
// least one must succeed or the call must fail."
func (m *MultiAdapter) Connect(ctx context.Context) error {
	m.mu.RLock()
	children := make(map[string]Adapter, len(m.children))
	for k, v := range m.children {
		children[k] = v
	}
	m.mu.RUnlock()

	if len(children) == 0 {
		return fmt.Errorf("multi-adapter: no platforms configured")
	}

	var succeeded atomicCounter
	g, gctx := errgroup.WithContext(context.Background())
	for platform, a := range children {
		platform, a := platform, a
		g.Go(func() error {
			if err := a.Connect(gctx); err != nil {
				slog.Warn("adapter connect failed", "platform", platform, "error", err)
				return nil // don't let one failure cancel siblings
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if succeeded.Load() == 0 {
		return fmt.Errorf("multi-adapter: all %d platform connects failed", len(children))
	}
	return nil
}

// Disconnect tears down every child; failures are logged, never
// returned — matching the dispatcher's "never throw" policy at the
// shutdown boundary.
func (m *MultiAdapter) Disconnect(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for platform, a := range m.children {
		if err := a.Disconnect(ctx); err != nil {
			slog.Warn("adapter disconnect failed", "platform", platform, "error", err)
		}
	}
	return nil
}

// OnEvent registers handler with every current child and remembers it so
// AdapterPool can re-subscribe it to adapters attached later.
func (m *MultiAdapter) OnEvent(handler EventHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	children := make([]Adapter, 0, len(m.children))
	for _, a := range m.children {
		children = append(children, a)
	}
	m.mu.Unlock()

	for _, a := range children {
		a.OnEvent(handler)
	}
}

// Handlers returns a copy of the registered handler list, safe to
// attach to a newly connected adapter under the caller's own lock.
func (m *MultiAdapter) Handlers() []EventHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventHandler, len(m.handlers))
	copy(out, m.handlers)
	return out
}

// SendMessage routes by event.Platform to the owning child.
func (m *MultiAdapter) SendMessage(ctx context.Context, event protocol.Event, text string, opts SendOptions) error {
	m.mu.RLock()
	a, ok := m.children[event.Platform]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("multi-adapter: no adapter for platform %q", event.Platform)
	}
	return a.SendMessage(ctx, event, text, opts)
}

// GetBotUserID is not meaningful for a composed MultiAdapter; present
// only to satisfy the Adapter interface's symmetry with its children.
func (m *MultiAdapter) GetBotUserID() string { return "" }

// RegisterChild adds or replaces a platform's adapter at runtime and
// re-subscribes every previously registered handler to it.
func (m *MultiAdapter) RegisterChild(platform string, a Adapter) {
	m.mu.Lock()
	m.children[platform] = a
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		a.OnEvent(h)
	}
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) Add(d int) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *atomicCounter) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
