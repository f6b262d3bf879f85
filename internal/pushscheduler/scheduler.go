// Package pushscheduler implements GroupHotPushScheduler (spec §4.7): a
// per-minute tick that enumerates group directories, matches the
// current HH:MM in each group's configured timezone against its push
// schedule, and feeds a synthesized Event to the dispatcher under a
// daily exactly-once lock.
//
// Grounded on the teacher's cron dispatch shape (cmd/gateway_cron.go):
// a ticking loop building a synthetic unit of work and handing it to the
// same dispatch path regular events take. Push.Time is matched by
// comparing the group-local time formatted as HH:MM with the configured
// string; github.com/adhocore/gronx's cron-expression evaluator is used
// only when a group sets the optional Push.Cron expression.
package pushscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/gatewaybot/internal/grouproute"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultTickInterval = 30 * time.Second

// GroupLister enumerates known group ids and loads their config. Scoped
// down from groupstore.Store so this package doesn't need its concrete
// type.
type GroupLister interface {
	ListGroupIDs() ([]protocol.GroupID, error)
	GetGroup(id protocol.GroupID) (protocol.GroupConfig, error)
}

// Dispatcher is the minimal surface pushscheduler needs from
// dispatcher.Dispatcher, kept as a local interface so this package
// doesn't import the dispatcher package's full dependency graph.
type Dispatcher interface {
	Dispatch(ctx context.Context, event protocol.Event)
}

const defaultPushPrompt = "（定时提醒）"

// Scheduler drives scheduled group pushes.
type Scheduler struct {
	groups     GroupLister
	routes     *grouproute.Store
	dispatcher Dispatcher
	interval   time.Duration
	prompt     string

	ticking atomic.Bool
}

// New constructs a Scheduler. interval<=0 uses the spec default of 30s.
func New(groups GroupLister, routes *grouproute.Store, dispatcher Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Scheduler{groups: groups, routes: routes, dispatcher: dispatcher, interval: interval, prompt: defaultPushPrompt}
}

// Run blocks ticking every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep over every group directory. Single-flight: a tick
// arriving while a previous one is still running is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	ids, err := s.groups.ListGroupIDs()
	if err != nil {
		slog.Warn("push scheduler: list groups failed", "error", err)
		return
	}

	for _, id := range ids {
		s.tickGroup(ctx, id)
	}
}

func (s *Scheduler) tickGroup(ctx context.Context, id protocol.GroupID) {
	cfg, err := s.groups.GetGroup(id)
	if err != nil {
		slog.Warn("push scheduler: load group failed", "group_id", id, "error", err)
		return
	}
	if cfg.Push == nil || !cfg.Push.Enabled {
		return
	}

	loc, err := time.LoadLocation(cfg.Push.Timezone)
	if err != nil {
		slog.Warn("push scheduler: bad timezone", "group_id", id, "timezone", cfg.Push.Timezone, "error", err)
		return
	}

	now := time.Now().In(loc)
	if cfg.Push.Cron != "" {
		due, err := MatchesCron(cfg.Push.Cron, now)
		if err != nil {
			slog.Warn("push scheduler: bad cron expression", "group_id", id, "cron", cfg.Push.Cron, "error", err)
			return
		}
		if !due {
			return
		}
	} else if now.Format("15:04") != cfg.Push.Time {
		return
	}

	date := now.Format("2006-01-02")
	acquired, err := s.routes.TryAcquirePushLock(ctx, id, date)
	if err != nil {
		slog.Warn("push scheduler: lock acquire failed", "group_id", id, "error", err)
		return
	}
	if !acquired {
		return
	}

	route, ok, err := s.routes.Get(ctx, id)
	if err != nil {
		slog.Warn("push scheduler: route lookup failed", "group_id", id, "error", err)
		return
	}
	if !ok {
		slog.Info("push scheduler: no group route, skipping push", "group_id", id)
		return
	}

	guildID := ""
	if id != protocol.DirectGroupID {
		guildID = string(id)
	}

	event := protocol.Event{
		Type:      "message",
		Platform:  route.Platform,
		SelfID:    route.SelfID,
		UserID:    route.SelfID,
		GuildID:   guildID,
		ChannelID: route.ChannelID,
		Content:   fmt.Sprintf("<@%s> %s", route.SelfID, s.prompt),
		Elements: []protocol.Element{
			protocol.MentionElement(route.SelfID),
			protocol.TextElement(s.prompt),
		},
		TimestampMs: now.UnixMilli(),
		Extras:      map[string]any{"isScheduledPush": true},
	}

	s.dispatcher.Dispatch(ctx, event)
}

// MatchesCron checks whether now matches a standard 5-field cron
// expression, via gronx. Used by tickGroup when a group's PushConfig
// sets Cron instead of a literal Time.
func MatchesCron(expr string, now time.Time) (bool, error) {
	g := gronx.New()
	ok, err := g.IsDue(expr, now)
	if err != nil {
		return false, fmt.Errorf("evaluate cron expression %q: %w", expr, err)
	}
	return ok, nil
}
