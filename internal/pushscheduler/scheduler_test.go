package pushscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/internal/grouproute"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

type fakeGroupLister struct {
	ids    []protocol.GroupID
	groups map[protocol.GroupID]protocol.GroupConfig
}

func (f *fakeGroupLister) ListGroupIDs() ([]protocol.GroupID, error) { return f.ids, nil }
func (f *fakeGroupLister) GetGroup(id protocol.GroupID) (protocol.GroupConfig, error) {
	return f.groups[id], nil
}

type spyDispatcher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *spyDispatcher) Dispatch(ctx context.Context, event protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *spyDispatcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestRoutes(t *testing.T) *grouproute.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return grouproute.New(client)
}

func TestTick_SkipsGroupsWithoutPushConfig(t *testing.T) {
	routes := newTestRoutes(t)
	lister := &fakeGroupLister{
		ids: []protocol.GroupID{"g1"},
		groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true},
		},
	}
	disp := &spyDispatcher{}
	s := New(lister, routes, disp, time.Second)

	s.Tick(context.Background())
	if disp.count() != 0 {
		t.Fatalf("expected no dispatch without push config, got %d", disp.count())
	}
}

func TestTick_DispatchesWhenTimeMatchesAndRouteKnown(t *testing.T) {
	routes := newTestRoutes(t)
	ctx := context.Background()

	now := time.Now().UTC()
	hhmm := now.Format("15:04")

	lister := &fakeGroupLister{
		ids: []protocol.GroupID{"g1"},
		groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true, Push: &protocol.PushConfig{Enabled: true, Time: hhmm, Timezone: "UTC"}},
		},
	}
	if err := routes.Record(ctx, "g1", protocol.GroupRoute{Platform: "discord", SelfID: "bot1", ChannelID: "c1"}); err != nil {
		t.Fatal(err)
	}

	disp := &spyDispatcher{}
	s := New(lister, routes, disp, time.Second)
	s.Tick(ctx)

	if disp.count() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", disp.count())
	}
}

func TestTick_SkipsWhenTimeDoesNotMatch(t *testing.T) {
	routes := newTestRoutes(t)
	ctx := context.Background()

	// A time 12 hours away from now almost never matches.
	mismatched := time.Now().UTC().Add(12 * time.Hour).Format("15:04")

	lister := &fakeGroupLister{
		ids: []protocol.GroupID{"g1"},
		groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true, Push: &protocol.PushConfig{Enabled: true, Time: mismatched, Timezone: "UTC"}},
		},
	}
	if err := routes.Record(ctx, "g1", protocol.GroupRoute{Platform: "discord", SelfID: "bot1", ChannelID: "c1"}); err != nil {
		t.Fatal(err)
	}

	disp := &spyDispatcher{}
	s := New(lister, routes, disp, time.Second)
	s.Tick(ctx)

	if disp.count() != 0 {
		t.Fatalf("expected no dispatch when time doesn't match, got %d", disp.count())
	}
}

func TestTick_DailyLockPreventsDoublePush(t *testing.T) {
	routes := newTestRoutes(t)
	ctx := context.Background()

	now := time.Now().UTC()
	hhmm := now.Format("15:04")

	lister := &fakeGroupLister{
		ids: []protocol.GroupID{"g1"},
		groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true, Push: &protocol.PushConfig{Enabled: true, Time: hhmm, Timezone: "UTC"}},
		},
	}
	if err := routes.Record(ctx, "g1", protocol.GroupRoute{Platform: "discord", SelfID: "bot1", ChannelID: "c1"}); err != nil {
		t.Fatal(err)
	}

	disp := &spyDispatcher{}
	s := New(lister, routes, disp, time.Second)

	s.Tick(ctx)
	s.Tick(ctx)

	if disp.count() != 1 {
		t.Fatalf("expected the daily lock to prevent a second push within the same tick window, got %d dispatches", disp.count())
	}
}

func TestTick_SkipsWhenNoRouteKnown(t *testing.T) {
	routes := newTestRoutes(t)
	ctx := context.Background()
	now := time.Now().UTC()
	hhmm := now.Format("15:04")

	lister := &fakeGroupLister{
		ids: []protocol.GroupID{"g1"},
		groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true, Push: &protocol.PushConfig{Enabled: true, Time: hhmm, Timezone: "UTC"}},
		},
	}

	disp := &spyDispatcher{}
	s := New(lister, routes, disp, time.Second)
	s.Tick(ctx)

	if disp.count() != 0 {
		t.Fatalf("expected no dispatch without a known route, got %d", disp.count())
	}
}
