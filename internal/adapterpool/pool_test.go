package adapterpool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// fakeAdapter is a minimal adapter.Adapter for exercising Pool.Reconcile
// without any real network connection.
type fakeAdapter struct {
	mu          sync.Mutex
	connected   bool
	disconnects int
	connectErr  error
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeAdapter) OnEvent(h adapter.EventHandler) {}

func (f *fakeAdapter) SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error {
	return nil
}

func (f *fakeAdapter) GetBotUserID() string { return "fake" }

func (f *fakeAdapter) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func entry(platform, wsURL string) protocol.LlbotRegistryEntry {
	return protocol.LlbotRegistryEntry{Platform: platform, WSUrl: wsURL}
}

func TestReconcile_AttachesNewEntries(t *testing.T) {
	var built []*fakeAdapter
	var mu sync.Mutex
	factory := func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
		a := &fakeAdapter{}
		mu.Lock()
		built = append(built, a)
		mu.Unlock()
		return a, nil
	}

	p := New("qq", factory)
	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{
		"qq-bot1": entry("qq", "ws://one"),
	})

	connected := p.Connected()
	if len(connected) != 1 || connected[0] != "qq-bot1" {
		t.Fatalf("expected bot1 connected, got %v", connected)
	}
	if len(built) != 1 || !built[0].isConnected() {
		t.Fatal("expected one adapter built and connected")
	}
}

func TestReconcile_DetachesGoneEntries(t *testing.T) {
	factory := func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
		return &fakeAdapter{}, nil
	}
	p := New("qq", factory)

	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{
		"qq-bot1": entry("qq", "ws://one"),
	})
	if len(p.Connected()) != 1 {
		t.Fatal("expected bot1 connected")
	}

	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{})
	if len(p.Connected()) != 0 {
		t.Fatal("expected bot1 detached once absent from registry")
	}
}

func TestReconcile_IgnoresOtherPlatforms(t *testing.T) {
	factory := func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
		return &fakeAdapter{}, nil
	}
	p := New("qq", factory)

	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{
		"discord-bot1": entry("discord", "ws://one"),
	})
	if len(p.Connected()) != 0 {
		t.Fatal("expected other-platform entries to be ignored")
	}
}

func TestReconcile_ReconnectsOnWSUrlChange(t *testing.T) {
	var built []*fakeAdapter
	var mu sync.Mutex
	factory := func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
		a := &fakeAdapter{}
		mu.Lock()
		built = append(built, a)
		mu.Unlock()
		return a, nil
	}
	p := New("qq", factory)

	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{
		"qq-bot1": entry("qq", "ws://one"),
	})
	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{
		"qq-bot1": entry("qq", "ws://two"),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(built) != 2 {
		t.Fatalf("expected a changed wsUrl to rebuild the adapter, got %d builds", len(built))
	}
	if built[0].disconnectCount() != 1 {
		t.Fatal("expected the stale adapter to be disconnected")
	}
}

func TestReconcile_SameWSUrlIsNoop(t *testing.T) {
	var builds int
	var mu sync.Mutex
	factory := func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		return &fakeAdapter{}, nil
	}
	p := New("qq", factory)

	snap := map[protocol.BotID]protocol.LlbotRegistryEntry{"qq-bot1": entry("qq", "ws://one")}
	p.Reconcile(context.Background(), snap)
	p.Reconcile(context.Background(), snap)

	mu.Lock()
	defer mu.Unlock()
	if builds != 1 {
		t.Fatalf("expected unchanged entry to be left alone, got %d builds", builds)
	}
}

func TestReconcile_FactoryErrorLeavesBotUnconnected(t *testing.T) {
	factory := func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
		return nil, errors.New("boom")
	}
	p := New("qq", factory)

	p.Reconcile(context.Background(), map[protocol.BotID]protocol.LlbotRegistryEntry{
		"qq-bot1": entry("qq", "ws://one"),
	})

	if len(p.Connected()) != 0 {
		t.Fatal("expected factory failure to leave the bot unconnected")
	}
}

func TestSendMessage_DropsWhenNoLiveConnection(t *testing.T) {
	p := New("qq", func(e protocol.LlbotRegistryEntry) (adapter.Adapter, error) { return &fakeAdapter{}, nil })

	err := p.SendMessage(context.Background(), protocol.Event{Platform: "qq", SelfID: "missing"}, "hi", adapter.SendOptions{})
	if err != nil {
		t.Fatalf("expected a dropped send to be nil, not an error, got %v", err)
	}
}
