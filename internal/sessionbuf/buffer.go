// Package sessionbuf implements SessionBuffer (spec §4.5): the
// distributed per-BufferKey FIFO-plus-exclusive-gate that underpins
// at-most-one-in-flight-per-session semantics.
//
// The append+claim-gate step must be atomic (invariant 1), so it runs as
// a single Lua script on the Redis server — the pattern spec §9 calls
// out explicitly as the fix for "ad-hoc randomBytes gate tokens combined
// with non-atomic append-then-setnx". Grounded on the KV-scripting style
// used for distributed locks throughout the example pack's Redis-backed
// services.
package sessionbuf

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultGateTTL = 60 * time.Second

// Buffer implements the five SessionBuffer operations against Redis.
type Buffer struct {
	client  *redis.Client
	gateTTL time.Duration
}

// New constructs a Buffer. gateTTL<=0 uses the spec default of 60s.
func New(client *redis.Client, gateTTL time.Duration) *Buffer {
	if gateTTL <= 0 {
		gateTTL = defaultGateTTL
	}
	return &Buffer{client: client, gateTTL: gateTTL}
}

func queueKey(k protocol.BufferKey) string {
	return fmt.Sprintf("buf:%s:%s:%s:queue", k.BotID, k.GroupID, k.SessionID)
}

func gateKey(k protocol.BufferKey) string {
	return fmt.Sprintf("buf:%s:%s:%s:gate", k.BotID, k.GroupID, k.SessionID)
}

func encodeEvent(e protocol.Event) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(raw), nil
}

func decodeEvent(raw string) (protocol.Event, error) {
	var e protocol.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return e, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}

// Append pushes event to the FIFO tail. Used to replay drained-but-
// unprocessed events.
func (b *Buffer) Append(ctx context.Context, key protocol.BufferKey, event protocol.Event) error {
	raw, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, queueKey(key), raw).Err(); err != nil {
		return fmt.Errorf("sessionbuf append: %w", err)
	}
	return nil
}

// RequeueFront pushes events to the FIFO head in order (used by the
// worker on failure), so that events[0] ends up at the front of the
// queue.
func (b *Buffer) RequeueFront(ctx context.Context, key protocol.BufferKey, events []protocol.Event) error {
	if len(events) == 0 {
		return nil
	}
	encoded := make([]any, len(events))
	// LPUSH pushes its arguments in reverse relative order, so to end up
	// with events[0]..events[n-1] at the front in original order we feed
	// LPUSH the events in reverse.
	for i, e := range events {
		raw, err := encodeEvent(e)
		if err != nil {
			return err
		}
		encoded[len(events)-1-i] = raw
	}
	if err := b.client.LPush(ctx, queueKey(key), encoded...).Err(); err != nil {
		return fmt.Errorf("sessionbuf requeue front: %w", err)
	}
	return nil
}

// appendAndRequestJobScript atomically pushes event to the queue tail
// and attempts to claim the gate if it is unset, returning the winning
// token (the caller's if it claimed, or the existing owner's if not).
var appendAndRequestJobScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
local existing = redis.call('GET', KEYS[2])
if existing == false then
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
	return ARGV[2]
end
return existing
`)

// AppendAndRequestJob atomically pushes event to the tail and attempts
// to install token as the gate. Returns (token, true) if the gate was
// free (caller is the new owner and must enqueue a job); returns
// ("", false) if a different gate token is already installed.
func (b *Buffer) AppendAndRequestJob(ctx context.Context, key protocol.BufferKey, event protocol.Event, token protocol.GateToken) (protocol.GateToken, bool, error) {
	raw, err := encodeEvent(event)
	if err != nil {
		return "", false, err
	}

	res, err := appendAndRequestJobScript.Run(ctx, b.client,
		[]string{queueKey(key), gateKey(key)},
		raw, string(token), int(b.gateTTL.Seconds()),
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("sessionbuf append-and-request-job: %w", err)
	}

	if res == string(token) {
		return token, true, nil
	}
	return "", false, nil
}

// Drain atomically takes and clears the current FIFO contents, in
// append order.
func (b *Buffer) Drain(ctx context.Context, key protocol.BufferKey) ([]protocol.Event, error) {
	pipe := b.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, queueKey(key), 0, -1)
	delCmd := pipe.Del(ctx, queueKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sessionbuf drain: %w", err)
	}
	_ = delCmd

	raws, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("sessionbuf drain range: %w", err)
	}

	events := make([]protocol.Event, 0, len(raws))
	for _, raw := range raws {
		e, err := decodeEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// ClaimGate attempts to claim a fresh gate for key with NX semantics,
// for a worker that wants to pick up ownership outside the
// append-and-request path (e.g. on restart recovery). Returns true if
// claimed.
func (b *Buffer) ClaimGate(ctx context.Context, key protocol.BufferKey, token protocol.GateToken) (bool, error) {
	ok, err := b.client.SetNX(ctx, gateKey(key), string(token), b.gateTTL).Result()
	if err != nil {
		return false, fmt.Errorf("sessionbuf claim gate: %w", err)
	}
	return ok, nil
}

// RefreshGate extends the TTL of an owned gate. A no-op if token is
// stale.
var refreshGateScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

func (b *Buffer) RefreshGate(ctx context.Context, key protocol.BufferKey, token protocol.GateToken) error {
	_, err := refreshGateScript.Run(ctx, b.client, []string{gateKey(key)}, string(token), int(b.gateTTL.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("sessionbuf refresh gate: %w", err)
	}
	return nil
}

// tryReleaseGateScript releases the gate only if token owns it AND the
// queue is currently empty (invariant 2: no starvation).
var tryReleaseGateScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
local n = redis.call('LLEN', KEYS[2])
if n > 0 then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// TryReleaseGate releases the gate only if token owns it and the queue
// is empty; fails (returns false) if the buffer is non-empty so the
// owner keeps looping.
func (b *Buffer) TryReleaseGate(ctx context.Context, key protocol.BufferKey, token protocol.GateToken) (bool, error) {
	res, err := tryReleaseGateScript.Run(ctx, b.client, []string{gateKey(key), queueKey(key)}, string(token)).Int()
	if err != nil {
		return false, fmt.Errorf("sessionbuf try release gate: %w", err)
	}
	return res == 1, nil
}

// releaseGateScript unconditionally releases the gate if token owns it,
// regardless of queue contents. A stale token is a no-op.
var releaseGateScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1
`)

// ReleaseGate unconditionally releases the gate if token owns it. A
// stale token is a no-op. Used on enqueue failure to guarantee liveness
// regardless of buffer contents (spec §9's mandated policy).
func (b *Buffer) ReleaseGate(ctx context.Context, key protocol.BufferKey, token protocol.GateToken) error {
	if _, err := releaseGateScript.Run(ctx, b.client, []string{gateKey(key)}, string(token)).Result(); err != nil {
		return fmt.Errorf("sessionbuf release gate: %w", err)
	}
	return nil
}
