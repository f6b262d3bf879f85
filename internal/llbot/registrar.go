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

// Registrar advertises this process's bot presence into the registry
// under TTL with periodic refresh. Construction fails if ttl <=
// refreshInterval, since a refresh cadence at or past the TTL would let
// entries lapse between writes.
type Registrar struct {
	client          *redis.Client
	prefix          string
	ttl             time.Duration
	refreshInterval time.Duration

	botID    protocol.BotID
	wsURL    string
	platform string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrar constructs a Registrar for one bot entry.
func NewRegistrar(client *redis.Client, prefix string, botID protocol.BotID, wsURL, platform string, ttl, refreshInterval time.Duration) (*Registrar, error) {
	if ttl <= refreshInterval {
		return nil, fmt.Errorf("llbot registrar: ttl (%s) must exceed refreshInterval (%s)", ttl, refreshInterval)
	}
	return &Registrar{
		client:          client,
		prefix:          prefix,
		ttl:             ttl,
		refreshInterval: refreshInterval,
		botID:           botID,
		wsURL:           wsURL,
		platform:        platform,
	}, nil
}

func (r *Registrar) indexKey() string { return r.prefix + ":index" }
func (r *Registrar) entryKey() string { return r.prefix + ":" + string(r.botID) }

// Start writes the initial entry and then refreshes it every
// refreshInterval until Stop is called. On stop, the KV client is left
// open (caller owns its lifecycle) but no further writes occur, so the
// entry expires naturally after ttl.
func (r *Registrar) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	if err := r.publish(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.publish(ctx); err != nil {
					slog.Warn("llbot registrar refresh failed", "bot_id", r.botID, "error", err)
				}
			}
		}
	}()
	return nil
}

func (r *Registrar) publish(ctx context.Context) error {
	entry := protocol.LlbotRegistryEntry{
		BotID:      r.botID,
		WSUrl:      r.wsURL,
		Platform:   r.platform,
		LastSeenAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal registry entry: %w", err)
	}

	if err := r.client.Set(ctx, r.entryKey(), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("write registry entry: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), string(r.botID)).Err(); err != nil {
		return fmt.Errorf("write registry index: %w", err)
	}
	return nil
}

// Stop cancels the refresh loop and waits for it to exit. The registry
// entry is not explicitly deleted; it expires naturally via TTL.
func (r *Registrar) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}
