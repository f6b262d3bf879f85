package sessionbuf

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, 0)
}

func testKey() protocol.BufferKey {
	return protocol.BufferKey{BotID: "discord-bot1", GroupID: "g1", SessionID: "sess-1"}
}

func TestAppendAndRequestJob_FirstCallerWinsGate(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	token, owned, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "hi"}, "token-a")
	if err != nil {
		t.Fatal(err)
	}
	if !owned || token != "token-a" {
		t.Fatalf("expected first caller to own the gate, got token=%q owned=%v", token, owned)
	}
}

func TestAppendAndRequestJob_SecondCallerDoesNotOwnGate(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if _, owned, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "first"}, "token-a"); err != nil || !owned {
		t.Fatalf("first call should own gate: owned=%v err=%v", owned, err)
	}

	token, owned, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "second"}, "token-b")
	if err != nil {
		t.Fatal(err)
	}
	if owned || token != "" {
		t.Fatalf("expected second caller not to own the gate, got token=%q owned=%v", token, owned)
	}
}

func TestAppendAndRequestJob_AppendsInFIFOOrder(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	for i, content := range []string{"a", "b", "c"} {
		tok := protocol.GateToken("t")
		if i > 0 {
			tok = "ignored"
		}
		if _, _, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: content}, tok); err != nil {
			t.Fatal(err)
		}
	}

	events, err := b.Drain(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{"a", "b", "c"}
	for i, e := range events {
		if e.Content != want[i] {
			t.Errorf("event[%d].Content = %q, want %q", i, e.Content, want[i])
		}
	}
}

func TestDrain_ClearsQueue(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if err := b.Append(ctx, key, protocol.Event{Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Drain(ctx, key); err != nil {
		t.Fatal(err)
	}
	events, err := b.Drain(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty queue after drain, got %d events", len(events))
	}
}

func TestRequeueFront_PreservesOrderAtHead(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if err := b.Append(ctx, key, protocol.Event{Content: "existing"}); err != nil {
		t.Fatal(err)
	}
	if err := b.RequeueFront(ctx, key, []protocol.Event{{Content: "first"}, {Content: "second"}}); err != nil {
		t.Fatal(err)
	}

	events, err := b.Drain(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second", "existing"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Content != want[i] {
			t.Errorf("event[%d].Content = %q, want %q", i, e.Content, want[i])
		}
	}
}

func TestTryReleaseGate_FailsWhenQueueNonEmpty(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if _, _, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "a"}, "tok"); err != nil {
		t.Fatal(err)
	}

	released, err := b.TryReleaseGate(ctx, key, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Fatal("must not release gate while queue is non-empty")
	}
}

func TestTryReleaseGate_SucceedsWhenQueueEmptyAndTokenMatches(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if _, _, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "a"}, "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Drain(ctx, key); err != nil {
		t.Fatal(err)
	}

	released, err := b.TryReleaseGate(ctx, key, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if !released {
		t.Fatal("expected release to succeed once queue is empty")
	}

	// Gate should now be free for a new owner.
	_, owned, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "b"}, "tok-2")
	if err != nil {
		t.Fatal(err)
	}
	if !owned {
		t.Fatal("expected gate to be free after successful release")
	}
}

func TestTryReleaseGate_StaleTokenIsNoop(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if _, _, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "a"}, "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Drain(ctx, key); err != nil {
		t.Fatal(err)
	}

	released, err := b.TryReleaseGate(ctx, key, "wrong-token")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Fatal("a stale token must not release the gate")
	}
}

func TestReleaseGate_UnconditionalEvenWithNonEmptyQueue(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if _, _, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "a"}, "tok"); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(ctx, key, protocol.Event{Content: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := b.ReleaseGate(ctx, key, "tok"); err != nil {
		t.Fatal(err)
	}

	_, owned, err := b.AppendAndRequestJob(ctx, key, protocol.Event{Content: "c"}, "tok-2")
	if err != nil {
		t.Fatal(err)
	}
	if !owned {
		t.Fatal("expected gate to be claimable after unconditional release, even though queue was non-empty")
	}
}

func TestClaimGate_NXSemantics(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	ok, err := b.ClaimGate(ctx, key, "tok-a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}

	ok, err = b.ClaimGate(ctx, key, "tok-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second claim to fail while gate is held")
	}
}

func TestRefreshGate_NoopForStaleToken(t *testing.T) {
	b := newTestBuffer(t)
	ctx := context.Background()
	key := testKey()

	if _, err := b.ClaimGate(ctx, key, "tok-a"); err != nil {
		t.Fatal(err)
	}

	if err := b.RefreshGate(ctx, key, "wrong-token"); err != nil {
		t.Fatal(err)
	}

	// Gate should still be owned by tok-a, unaffected by the stale refresh.
	ok, err := b.ClaimGate(ctx, key, "tok-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("gate should remain owned by tok-a after a stale refresh attempt")
	}
}
