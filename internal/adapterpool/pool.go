// Package adapterpool implements AdapterPool (spec §4.2): it reconciles
// LlbotRegistry snapshots with live Adapter connections so that at any
// instant the set of connected bots equals the set of live registry
// entries for one platform.
//
// Grounded on the teacher's internal/channels.InstanceLoader — the same
// "diff external source of truth against what's currently loaded, start
// what's missing, stop what's gone, single-flight per key" shape, here
// specialized to one platform and driven by llbot.Registry ticks instead
// of a DB poll.
package adapterpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// Factory builds a fresh Adapter for a live registry entry.
type Factory func(entry protocol.LlbotRegistryEntry) (adapter.Adapter, error)

type connection struct {
	adapter adapter.Adapter
	wsURL   string
}

// Pool reconciles registry snapshots against live adapter connections
// for a single platform.
type Pool struct {
	platform string
	factory  Factory
	limiter  *adapter.SendLimiter

	mu          sync.Mutex
	conns       map[protocol.BotID]*connection
	connecting  map[protocol.BotID]bool
	handlers    []adapter.EventHandler
	reconciling bool
}

const defaultSendRPS = 5
const defaultSendBurst = 10

// New constructs an empty Pool for one platform, rate-limiting outbound
// sends per botId so a single misbehaving bot in a dynamically-attached
// population cannot starve the platform's upstream connection.
func New(platform string, factory Factory) *Pool {
	return &Pool{
		platform:   platform,
		factory:    factory,
		limiter:    adapter.NewSendLimiter(defaultSendRPS, defaultSendBurst),
		conns:      make(map[protocol.BotID]*connection),
		connecting: make(map[protocol.BotID]bool),
	}
}

// Connect is a no-op: Pool's connections are brought up individually by
// Reconcile as registry entries appear, not as a single batch. Present
// only so Pool satisfies adapter.Adapter and can be registered as a
// MultiAdapter child.
func (p *Pool) Connect(ctx context.Context) error { return nil }

// Disconnect tears down every live connection the pool currently holds.
func (p *Pool) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[protocol.BotID]*connection)
	p.mu.Unlock()

	for _, c := range conns {
		if err := c.adapter.Disconnect(ctx); err != nil {
			slog.Warn("adapter pool: disconnect during shutdown failed", "error", err)
		}
	}
	return nil
}

// GetBotUserID is not meaningful for a pool spanning many bots; present
// only to satisfy adapter.Adapter.
func (p *Pool) GetBotUserID() string { return "" }

// OnEvent registers handler with every current and future adapter this
// pool attaches.
func (p *Pool) OnEvent(handler adapter.EventHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, handler)
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.adapter.OnEvent(handler)
	}
}

// Reconcile runs the algorithm from spec §4.2 against the given registry
// snapshot, filtered to this pool's platform. Reconciliation is
// single-flight: a Reconcile call arriving while a previous one is still
// running is skipped.
func (p *Pool) Reconcile(ctx context.Context, entries map[protocol.BotID]protocol.LlbotRegistryEntry) {
	p.mu.Lock()
	if p.reconciling {
		p.mu.Unlock()
		return
	}
	p.reconciling = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconciling = false
		p.mu.Unlock()
	}()

	r := make(map[protocol.BotID]protocol.LlbotRegistryEntry)
	for id, e := range entries {
		if e.Platform == p.platform {
			r[id] = e
		}
	}

	p.attachMissingOrChanged(ctx, r)
	p.detachGone(ctx, r)
}

func (p *Pool) attachMissingOrChanged(ctx context.Context, r map[protocol.BotID]protocol.LlbotRegistryEntry) {
	for botID, entry := range r {
		p.mu.Lock()
		existing, has := p.conns[botID]
		alreadyConnecting := p.connecting[botID]
		if alreadyConnecting {
			p.mu.Unlock()
			continue
		}
		if has && existing.wsURL == entry.WSUrl {
			p.mu.Unlock()
			continue
		}
		p.connecting[botID] = true
		p.mu.Unlock()

		p.startOne(ctx, botID, entry, existing)
	}
}

func (p *Pool) startOne(ctx context.Context, botID protocol.BotID, entry protocol.LlbotRegistryEntry, existing *connection) {
	defer func() {
		p.mu.Lock()
		delete(p.connecting, botID)
		p.mu.Unlock()
	}()

	if existing != nil {
		if err := existing.adapter.Disconnect(ctx); err != nil {
			slog.Warn("adapter pool: disconnect of stale wsUrl failed", "bot_id", botID, "error", err)
		}
	}

	a, err := p.factory(entry)
	if err != nil {
		slog.Warn("adapter pool: factory failed", "bot_id", botID, "error", err)
		return
	}

	p.mu.Lock()
	handlers := make([]adapter.EventHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		a.OnEvent(h)
	}

	if err := a.Connect(ctx); err != nil {
		slog.Warn("adapter pool: connect failed", "bot_id", botID, "error", err)
		return
	}

	p.mu.Lock()
	p.conns[botID] = &connection{adapter: a, wsURL: entry.WSUrl}
	p.mu.Unlock()
}

func (p *Pool) detachGone(ctx context.Context, r map[protocol.BotID]protocol.LlbotRegistryEntry) {
	p.mu.Lock()
	var gone []protocol.BotID
	for botID := range p.conns {
		if _, ok := r[botID]; !ok {
			gone = append(gone, botID)
		}
	}
	p.mu.Unlock()

	for _, botID := range gone {
		p.mu.Lock()
		c, ok := p.conns[botID]
		delete(p.conns, botID)
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.adapter.Disconnect(ctx); err != nil {
			slog.Warn("adapter pool: disconnect failed", "bot_id", botID, "error", err)
		}
	}
}

// SendMessage looks up the connection owning event.SelfID and delegates.
// Absence is logged and the send is dropped — not an error to the
// caller.
func (p *Pool) SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error {
	botID := protocol.NewBotID(event.Platform, event.SelfID)

	p.mu.Lock()
	c, ok := p.conns[botID]
	p.mu.Unlock()

	if !ok {
		slog.Warn("adapter pool: send dropped, no live connection", "bot_id", botID)
		return nil
	}
	if !p.limiter.Allow(string(botID)) {
		slog.Warn("adapter pool: send dropped, rate limit exceeded", "bot_id", botID)
		return nil
	}
	return c.adapter.SendMessage(ctx, event, text, opts)
}

// Connected reports the set of bot ids this pool currently holds a live
// connection for. Used by tests and diagnostics.
func (p *Pool) Connected() []protocol.BotID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.BotID, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	return out
}
