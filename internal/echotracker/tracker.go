// Package echotracker implements EchoTracker (spec §4.4.1): a
// single-channel "streak echo" detector keyed by (selfId, channelId),
// backed by a short-TTL external KV so replicas in a multi-process
// deployment share streak state (spec §9: "Local-only EchoTracker map...
// must be keyed and TTL'd in the shared KV").
package echotracker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultTTL = 30 * time.Second

type streakState struct {
	Signature string `json:"signature"`
	Streak    int    `json:"streak"`
	Echoed    bool   `json:"echoed"`
}

// Tracker implements EchoTracker.shouldEcho against Redis.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a Tracker. ttl<=0 uses the spec default of 30s.
func New(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Tracker{client: client, ttl: ttl}
}

func key(selfID, channelID string) string {
	return fmt.Sprintf("echo:%s:%s", selfID, channelID)
}

func signatureOf(e protocol.Event) string {
	if len(e.Elements) == 0 {
		return strings.TrimSpace(e.Content)
	}
	raw, _ := json.Marshal(normalizeElements(e.Elements))
	return string(raw)
}

func normalizeElements(els []protocol.Element) []protocol.Element {
	out := make([]protocol.Element, len(els))
	copy(out, els)
	return out
}

// ShouldEcho implements the rules of spec §4.4.1. rate is a 0..100
// percentage; a weighted coin flip with p = min(rate,100)/100 decides
// whether an established streak is echoed.
func (t *Tracker) ShouldEcho(ctx context.Context, event protocol.Event, rate int) (bool, error) {
	if event.IsDirect() {
		return false, nil
	}
	if event.UserID == event.SelfID {
		return false, nil
	}

	k := key(event.SelfID, event.ChannelID)

	if event.HasAnyMention() {
		if err := t.client.Del(ctx, k).Err(); err != nil {
			return false, fmt.Errorf("echotracker reset on mention: %w", err)
		}
		return false, nil
	}

	state, err := t.load(ctx, k)
	if err != nil {
		return false, err
	}

	sig := signatureOf(event)

	if state == nil || state.Signature != sig {
		return false, t.save(ctx, k, streakState{Signature: sig, Streak: 1, Echoed: false})
	}

	if state.Streak < 2 {
		state.Streak++
		return false, t.save(ctx, k, *state)
	}

	if state.Echoed {
		return false, nil
	}

	if coinFlip(rate) {
		state.Echoed = true
		return true, t.save(ctx, k, *state)
	}
	return false, t.save(ctx, k, *state)
}

func (t *Tracker) load(ctx context.Context, key string) (*streakState, error) {
	raw, err := t.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("echotracker load: %w", err)
	}
	var s streakState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("echotracker unmarshal: %w", err)
	}
	return &s, nil
}

func (t *Tracker) save(ctx context.Context, key string, s streakState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("echotracker marshal: %w", err)
	}
	if err := t.client.Set(ctx, key, raw, t.ttl).Err(); err != nil {
		return fmt.Errorf("echotracker save: %w", err)
	}
	return nil
}

// coinFlip returns true with probability min(rate,100)/100, using
// crypto/rand so streak decisions cannot be predicted from a seeded PRNG.
func coinFlip(rate int) bool {
	if rate <= 0 {
		return false
	}
	if rate > 100 {
		rate = 100
	}
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return false
	}
	return int(n.Int64()) < rate
}
