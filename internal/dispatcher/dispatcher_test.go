package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionqueue"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// fakeRouter is a minimal in-memory RouterSnapshotLoader.
type fakeRouter struct {
	snap protocol.RouterSnapshot
}

func (f *fakeRouter) EnsureBotConfig(botID protocol.BotID) error { return nil }
func (f *fakeRouter) GetSnapshot() (protocol.RouterSnapshot, error) {
	return f.snap, nil
}

// fakeGroups is a minimal in-memory GroupLoader.
type fakeGroups struct {
	groups map[protocol.GroupID]protocol.GroupConfig
}

func (f *fakeGroups) GetGroup(id protocol.GroupID) (protocol.GroupConfig, error) {
	return f.groups[id], nil
}

// fakeBuffer reproduces sessionbuf.Buffer's gate semantics in memory:
// the first AppendAndRequestJob for a key wins the gate and every event
// (including that first one) lands in appended, in order.
type fakeBuffer struct {
	mu       sync.Mutex
	held     map[protocol.BufferKey]protocol.GateToken
	appended map[protocol.BufferKey][]protocol.Event
	released []protocol.BufferKey
}

func newFakeBuffer() *fakeBuffer {
	return &fakeBuffer{
		held:     map[protocol.BufferKey]protocol.GateToken{},
		appended: map[protocol.BufferKey][]protocol.Event{},
	}
}

func (b *fakeBuffer) AppendAndRequestJob(ctx context.Context, key protocol.BufferKey, event protocol.Event, token protocol.GateToken) (protocol.GateToken, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended[key] = append(b.appended[key], event)
	if _, held := b.held[key]; held {
		return "", false, nil
	}
	b.held[key] = token
	return token, true, nil
}

func (b *fakeBuffer) ReleaseGate(ctx context.Context, key protocol.BufferKey, token protocol.GateToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held[key] == token {
		delete(b.held, key)
	}
	b.released = append(b.released, key)
	return nil
}

// fakeQueue records every enqueued job.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []protocol.SessionJob
	err  error
}

func (q *fakeQueue) Enqueue(job protocol.SessionJob) (sessionqueue.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return sessionqueue.EnqueueResult{}, q.err
	}
	q.jobs = append(q.jobs, job)
	return sessionqueue.EnqueueResult{ID: "job-1"}, nil
}

// fakeEcho never echoes unless told to.
type fakeEcho struct{ echo bool }

func (f *fakeEcho) ShouldEcho(ctx context.Context, event protocol.Event, rate int) (bool, error) {
	return f.echo, nil
}

// fakeSender records every outbound reply.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
}

func (s *fakeSender) SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func newS1Dispatcher(groups *fakeGroups, buf *fakeBuffer, queue *fakeQueue, resolver *fakeResolver) *Dispatcher {
	router := &fakeRouter{}
	echo := &fakeEcho{}
	sender := &fakeSender{}
	return New(router, groups, nil, buf, queue, echo, resolver, sender, Config{})
}

// S1: wake by mention, first event enqueues a SessionJob with key=0.
func TestDispatch_S1_WakeByMention(t *testing.T) {
	groups := &fakeGroups{groups: map[protocol.GroupID]protocol.GroupConfig{
		"g1": {Enabled: true, TriggerMode: "mention", MaxSessions: 1},
	}}
	buf := newFakeBuffer()
	queue := &fakeQueue{}
	d := newS1Dispatcher(groups, buf, queue, newFakeResolver())

	event := protocol.Event{
		Type:      "message",
		Platform:  "discord",
		SelfID:    "bot-1",
		UserID:    "u1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "<@bot-1> hello",
		Elements:  []protocol.Element{protocol.MentionElement("bot-1"), protocol.TextElement(" hello")},
	}

	d.Dispatch(context.Background(), event)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.jobs) != 1 {
		t.Fatalf("expected exactly one enqueued job, got %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.Key != 0 {
		t.Errorf("expected key=0, got %d", job.Key)
	}
	wantBufKey := protocol.BufferKey{BotID: "discord-bot-1", GroupID: "g1", SessionID: "sess-1"}
	if job.BotID != wantBufKey.BotID || job.GroupID != wantBufKey.GroupID || job.SessionID != wantBufKey.SessionID {
		t.Errorf("job key mismatch: got (%s,%s,%s), want (%s,%s,%s)", job.BotID, job.GroupID, job.SessionID, wantBufKey.BotID, wantBufKey.GroupID, wantBufKey.SessionID)
	}
	if len(buf.appended[wantBufKey]) != 1 {
		t.Errorf("expected SessionBuffer to hold 1 event under %v, got %d", wantBufKey, len(buf.appended[wantBufKey]))
	}
}

// S2: burst coalescing. While the first job's gate is held, two more
// events on the same BufferKey must not enqueue additional jobs, but
// must still land in the buffer in order.
func TestDispatch_S2_BurstCoalescing(t *testing.T) {
	groups := &fakeGroups{groups: map[protocol.GroupID]protocol.GroupConfig{
		"g1": {Enabled: true, TriggerMode: "mention", MaxSessions: 1},
	}}
	buf := newFakeBuffer()
	queue := &fakeQueue{}
	d := newS1Dispatcher(groups, buf, queue, newFakeResolver())

	base := protocol.Event{
		Type:      "message",
		Platform:  "discord",
		SelfID:    "bot-1",
		UserID:    "u1",
		GuildID:   "g1",
		ChannelID: "c1",
		Elements:  []protocol.Element{protocol.MentionElement("bot-1")},
	}

	contents := []string{"<@bot-1> hello", "<@bot-1> foo", "<@bot-1> bar"}
	for _, c := range contents {
		e := base
		e.Content = c
		d.Dispatch(context.Background(), e)
	}

	queue.mu.Lock()
	jobCount := len(queue.jobs)
	queue.mu.Unlock()
	if jobCount != 1 {
		t.Fatalf("expected a single enqueued job across the burst, got %d", jobCount)
	}

	bufKey := protocol.BufferKey{BotID: "discord-bot-1", GroupID: "g1", SessionID: "sess-1"}
	buf.mu.Lock()
	got := append([]protocol.Event(nil), buf.appended[bufKey]...)
	buf.mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected all 3 events in the buffer, got %d", len(got))
	}
	for i, c := range contents {
		if got[i].Content != c {
			t.Errorf("event %d: got content %q, want %q (FIFO order)", i, got[i].Content, c)
		}
	}
}

// S3: a "#N " session-key prefix is parsed and compared against
// maxSessions; at the boundary it is dropped, one above it is enqueued.
func TestDispatch_S3_SessionKeyPrefix(t *testing.T) {
	event := protocol.Event{
		Type:      "message",
		Platform:  "discord",
		SelfID:    "bot-1",
		UserID:    "u1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "#3 <@bot-1> hi",
		Elements:  []protocol.Element{protocol.MentionElement("bot-1")},
	}

	t.Run("dropped at maxSessions boundary", func(t *testing.T) {
		groups := &fakeGroups{groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true, TriggerMode: "mention", MaxSessions: 3},
		}}
		buf := newFakeBuffer()
		queue := &fakeQueue{}
		d := newS1Dispatcher(groups, buf, queue, newFakeResolver())

		d.Dispatch(context.Background(), event)

		queue.mu.Lock()
		defer queue.mu.Unlock()
		if len(queue.jobs) != 0 {
			t.Fatalf("expected key=3 to be dropped when maxSessions=3, got %d enqueued jobs", len(queue.jobs))
		}
	})

	t.Run("enqueued just under the boundary", func(t *testing.T) {
		groups := &fakeGroups{groups: map[protocol.GroupID]protocol.GroupConfig{
			"g1": {Enabled: true, TriggerMode: "mention", MaxSessions: 4},
		}}
		buf := newFakeBuffer()
		queue := &fakeQueue{}
		d := newS1Dispatcher(groups, buf, queue, newFakeResolver())

		d.Dispatch(context.Background(), event)

		queue.mu.Lock()
		defer queue.mu.Unlock()
		if len(queue.jobs) != 1 {
			t.Fatalf("expected key=3 to enqueue when maxSessions=4, got %d enqueued jobs", len(queue.jobs))
		}
		if queue.jobs[0].Key != 3 {
			t.Errorf("expected key=3, got %d", queue.jobs[0].Key)
		}
	})
}

// S4: reset-all is permitted via extras.isGuildOwner even with no
// configured adminUsers, and replies with the no-users message when
// nothing is outstanding to reset. Nothing is enqueued.
func TestDispatch_S4_ResetAllByGuildOwner(t *testing.T) {
	groups := &fakeGroups{groups: map[protocol.GroupID]protocol.GroupConfig{
		"g1": {Enabled: true, TriggerMode: "mention", MaxSessions: 1, AdminUsers: nil},
	}}
	buf := newFakeBuffer()
	queue := &fakeQueue{}
	resolver := newFakeResolver()
	router := &fakeRouter{}
	echo := &fakeEcho{}
	sender := &fakeSender{}
	d := New(router, groups, nil, buf, queue, echo, resolver, sender, Config{})

	event := protocol.Event{
		Type:      "message",
		Platform:  "discord",
		SelfID:    "bot-1",
		UserID:    "owner1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "<@bot-1> /reset all",
		Elements:  []protocol.Element{protocol.MentionElement("bot-1")},
		Extras:    map[string]any{"isGuildOwner": true},
	}

	d.Dispatch(context.Background(), event)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(sender.sent))
	}
	if sender.sent[0] != "当前没有可重置的用户会话。" {
		t.Errorf("got reply %q, want the no-users message", sender.sent[0])
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.jobs) != 0 {
		t.Errorf("expected nothing enqueued for a management command, got %d jobs", len(queue.jobs))
	}
}

// Keyword-mode groups with zero keyword matches must drop the event
// entirely: no passive echo, no session-key extraction, no enqueue.
func TestDispatch_KeywordModeNoMatch_DropsSilently(t *testing.T) {
	groups := &fakeGroups{groups: map[protocol.GroupID]protocol.GroupConfig{
		"g1": {Enabled: true, TriggerMode: "keyword", Keywords: []string{"help"}, MaxSessions: 1},
	}}
	buf := newFakeBuffer()
	queue := &fakeQueue{}
	resolver := newFakeResolver()
	router := &fakeRouter{snap: protocol.RouterSnapshot{
		BotConfigs: map[protocol.BotID]protocol.BotKeywordConfig{
			"discord-bot-1": {KeywordRouting: protocol.KeywordRouting{EnableGroup: true}},
		},
	}}
	echo := &fakeEcho{echo: true}
	sender := &fakeSender{}
	d := New(router, groups, nil, buf, queue, echo, resolver, sender, Config{})

	event := protocol.Event{
		Type:      "message",
		Platform:  "discord",
		SelfID:    "bot-1",
		UserID:    "u1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "just chatting about nothing in particular",
	}

	d.Dispatch(context.Background(), event)

	queue.mu.Lock()
	jobCount := len(queue.jobs)
	queue.mu.Unlock()
	if jobCount != 0 {
		t.Errorf("expected no enqueue for an unmatched keyword-mode message, got %d jobs", jobCount)
	}

	sender.mu.Lock()
	sentCount := len(sender.sent)
	sender.mu.Unlock()
	if sentCount != 0 {
		t.Errorf("expected no passive echo reply for keyword-mode trigger, got %d replies", sentCount)
	}
}
