// Package llbot implements the registry/registrar pair from spec §4.3:
// a TTL-based KV publish/poll mechanism that lets adapter-pool processes
// discover which bots are currently live, without a central broker.
//
// Grounded on the teacher's instance_loader.go reload pattern (poll an
// external source of truth, diff against what's loaded) and on the
// go-redis/v9 usage seen across the example pack's chat-gateway repos.
package llbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// UpdateHandler receives the full map<BotID, Entry> on every successful
// poll.
type UpdateHandler func(map[protocol.BotID]protocol.LlbotRegistryEntry)

// Registry periodically snapshots the keyed registry of active bots from
// a distributed KV store.
type Registry struct {
	client  *redis.Client
	prefix  string
	cadence time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry constructs a Registry. Polling cadence defaults to 10s per
// spec §4.3 when cadence <= 0.
func NewRegistry(client *redis.Client, prefix string, cadence time.Duration) *Registry {
	if cadence <= 0 {
		cadence = 10 * time.Second
	}
	return &Registry{client: client, prefix: prefix, cadence: cadence}
}

// Start begins polling in a background goroutine, invoking handler after
// every successful poll. Call Stop to end polling.
func (r *Registry) Start(ctx context.Context, handler UpdateHandler) {
	ctx, cancel := r.prepare(ctx)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cadence)
		defer ticker.Stop()

		r.pollOnce(ctx, handler)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.pollOnce(ctx, handler)
			}
		}
	}()
}

func (r *Registry) prepare(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	return ctx, cancel
}

// Stop cancels polling and waits for the background goroutine to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Registry) indexKey() string { return r.prefix + ":index" }
func (r *Registry) entryKey(botID string) string { return r.prefix + ":" + botID }

// pollOnce performs one read-index, fetch-every-key, drop-dangling pass.
func (r *Registry) pollOnce(ctx context.Context, handler UpdateHandler) {
	entries, err := r.Snapshot(ctx)
	if err != nil {
		slog.Warn("llbot registry poll failed", "error", err)
		return
	}
	handler(entries)
}

// Snapshot performs a single synchronous read of the registry: read the
// index set, fetch every referenced key, parse JSON, drop (and scrub)
// any key whose value is missing.
func (r *Registry) Snapshot(ctx context.Context) (map[protocol.BotID]protocol.LlbotRegistryEntry, error) {
	botIDs, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read registry index: %w", err)
	}

	out := make(map[protocol.BotID]protocol.LlbotRegistryEntry, len(botIDs))
	for _, id := range botIDs {
		raw, getErr := r.client.Get(ctx, r.entryKey(id)).Result()
		if getErr == redis.Nil {
			// Dangling index entry: key expired. Scrub it.
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if getErr != nil {
			slog.Warn("llbot registry entry fetch failed", "bot_id", id, "error", getErr)
			continue
		}

		var entry protocol.LlbotRegistryEntry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr != nil {
			slog.Warn("llbot registry entry malformed", "bot_id", id, "error", jsonErr)
			continue
		}
		if entry.WSUrl == "" {
			// Entries with neither wsUrl nor a raw-string fallback are
			// rejected per §4.3.
			continue
		}
		entry.BotID = protocol.BotID(id)
		out[entry.BotID] = entry
	}
	return out, nil
}
