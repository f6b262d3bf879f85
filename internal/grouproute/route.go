// Package grouproute implements the GroupRoute KV (spec §6): the last
// known (platform, selfId, channelId) a group was reachable at, written
// on any inbound event and consulted by GroupHotPushScheduler.
package grouproute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultRouteTTL = 30 * 24 * time.Hour // 30 days, per spec §6
const defaultPushLockTTL = 27 * time.Hour   // spans a day with slack, per spec §4.7

// Store reads/writes GroupRoute and the daily push-lock.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store { return &Store{client: client} }

func routeKey(id protocol.GroupID) string { return fmt.Sprintf("group:route:%s", id) }

func pushLockKey(id protocol.GroupID, date string) string {
	return fmt.Sprintf("group:push:%s:%s", id, date)
}

// Record writes/overwrites the GroupRoute for id. Called on any inbound
// event.
func (s *Store) Record(ctx context.Context, id protocol.GroupID, route protocol.GroupRoute) error {
	route.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal group route: %w", err)
	}
	if err := s.client.Set(ctx, routeKey(id), raw, defaultRouteTTL).Err(); err != nil {
		return fmt.Errorf("write group route: %w", err)
	}
	return nil
}

// Get returns the GroupRoute for id, or (zero, false) if absent.
func (s *Store) Get(ctx context.Context, id protocol.GroupID) (protocol.GroupRoute, bool, error) {
	raw, err := s.client.Get(ctx, routeKey(id)).Result()
	if err == redis.Nil {
		return protocol.GroupRoute{}, false, nil
	}
	if err != nil {
		return protocol.GroupRoute{}, false, fmt.Errorf("read group route: %w", err)
	}
	var route protocol.GroupRoute
	if err := json.Unmarshal([]byte(raw), &route); err != nil {
		return protocol.GroupRoute{}, false, fmt.Errorf("unmarshal group route: %w", err)
	}
	return route, true, nil
}

// TryAcquirePushLock attempts to claim the daily push lock for
// (id, date) with NX+EX semantics. Returns true iff this call acquired
// it.
func (s *Store) TryAcquirePushLock(ctx context.Context, id protocol.GroupID, date string) (bool, error) {
	ok, err := s.client.SetNX(ctx, pushLockKey(id, date), "1", defaultPushLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire push lock: %w", err)
	}
	return ok, nil
}
