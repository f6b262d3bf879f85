// Package dispatcher implements MessageDispatcher (spec §4.4): the
// gateway's control plane. dispatch(event) validates the envelope,
// resolves the canonical bot, evaluates wake/keyword triggers, extracts
// the session key, parses management commands, and either enqueues a
// SessionJob, replies inline, or drops the event — all without ever
// surfacing a panic/error to the calling adapter.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/internal/echotracker"
	"github.com/nextlevelbuilder/gatewaybot/internal/gwerrors"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionqueue"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionresolve"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// Sender is the outbound capability the dispatcher needs: adapter.Adapter,
// adapter.MultiAdapter, and adapterpool.Pool all satisfy it.
type Sender interface {
	SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error
}

// RouterSnapshotLoader is the subset of router.Store the dispatcher
// needs.
type RouterSnapshotLoader interface {
	EnsureBotConfig(botID protocol.BotID) error
	GetSnapshot() (protocol.RouterSnapshot, error)
}

// GroupLoader is the subset of groupstore.Store the dispatcher needs.
type GroupLoader interface {
	GetGroup(id protocol.GroupID) (protocol.GroupConfig, error)
}

// RouteRecorder is the subset of grouproute.Store the dispatcher needs.
type RouteRecorder interface {
	Record(ctx context.Context, id protocol.GroupID, route protocol.GroupRoute) error
}

// Buffer is the subset of sessionbuf.Buffer the dispatcher needs.
type Buffer interface {
	AppendAndRequestJob(ctx context.Context, key protocol.BufferKey, event protocol.Event, token protocol.GateToken) (protocol.GateToken, bool, error)
	ReleaseGate(ctx context.Context, key protocol.BufferKey, token protocol.GateToken) error
}

// Queue is the subset of sessionqueue.Queue the dispatcher needs.
type Queue interface {
	Enqueue(job protocol.SessionJob) (sessionqueue.EnqueueResult, error)
}

// EchoTracker is the subset of echotracker.Tracker the dispatcher needs.
type EchoTracker interface {
	ShouldEcho(ctx context.Context, event protocol.Event, rate int) (bool, error)
}

var _ EchoTracker = (*echotracker.Tracker)(nil)

// Config holds the dispatcher's tunable, process-wide settings.
type Config struct {
	// ForcedGroupOverride, if set, is used in place of guildId when
	// resolving groupId (spec §4.4 step 2). Empty disables the override.
	ForcedGroupOverride string

	// ModelWhitelist is the env-configured set of model names the
	// "/model <name>" command may switch to.
	ModelWhitelist []string
}

// Dispatcher is the control plane described by spec §4.4.
type Dispatcher struct {
	router   RouterSnapshotLoader
	groups   GroupLoader
	routes   RouteRecorder
	buffer   Buffer
	queue    Queue
	echo     EchoTracker
	resolver sessionresolve.Resolver
	sender   Sender
	tracer   trace.Tracer

	forcedGroupOverride string
	modelWhitelist      map[string]bool
}

// New constructs a Dispatcher from its collaborators.
func New(router RouterSnapshotLoader, groups GroupLoader, routes RouteRecorder, buffer Buffer, queue Queue, echo EchoTracker, resolver sessionresolve.Resolver, sender Sender, cfg Config) *Dispatcher {
	whitelist := make(map[string]bool, len(cfg.ModelWhitelist))
	for _, m := range cfg.ModelWhitelist {
		whitelist[m] = true
	}
	return &Dispatcher{
		router:              router,
		groups:              groups,
		routes:              routes,
		buffer:              buffer,
		queue:               queue,
		echo:                echo,
		resolver:            resolver,
		sender:              sender,
		tracer:              otel.Tracer("gatewaybot/dispatcher"),
		forcedGroupOverride: cfg.ForcedGroupOverride,
		modelWhitelist:      whitelist,
	}
}

// pipelineCtx threads the envelope-derived facts through the pipeline's
// later steps without re-deriving them.
type pipelineCtx struct {
	event   protocol.Event
	botID   protocol.BotID
	groupID protocol.GroupID
	group   protocol.GroupConfig
	key     int
}

func (p pipelineCtx) isAdmin() bool {
	for _, u := range p.group.AdminUsers {
		if u == p.event.UserID {
			return true
		}
	}
	if p.event.Platform == "discord" {
		if v, _ := p.event.Extras["isGuildOwner"].(bool); v {
			return true
		}
		if v, _ := p.event.Extras["isGuildAdmin"].(bool); v {
			return true
		}
	}
	return false
}

// mentionedUserID captures a target user from a single non-self mention
// element in the event, per spec §4.4.2.
func (p pipelineCtx) mentionedUserID() string {
	for _, el := range p.event.Elements {
		if el.Kind == "mention" && el.UserID != p.event.SelfID {
			return el.UserID
		}
	}
	return ""
}

// Dispatch runs the full processing pipeline for one event. It never
// returns an error or panics to the caller — every failure is logged
// and the pipeline simply terminates for that event.
func (d *Dispatcher) Dispatch(ctx context.Context, event protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatcher: panic recovered", "panic", r)
		}
	}()

	ctx, span := d.tracer.Start(ctx, "dispatch")
	defer span.End()

	event = d.seedTelemetry(event, span)

	pctx, ok := d.validateAndLoad(ctx, event)
	if !ok {
		return
	}

	d.recordRoute(ctx, pctx)

	snap, err := d.router.GetSnapshot()
	if err != nil {
		d.logTransient("router_snapshot", err)
		return
	}

	keywords := effectiveKeywords(snap, pctx.botID, pctx.group)
	wake := shouldEnqueue(event, event.SelfID, pctx.group.TriggerMode, keywords)
	if !wake {
		if pctx.group.TriggerMode == "mention" || pctx.group.TriggerMode == "" {
			d.passiveEcho(ctx, pctx, snap)
		}
		return
	}

	content := stripWakeKeyword(event.Content, event.SelfID, keywords)
	key, content := extractSessionKey(content)
	content = stripWakeKeyword(content, event.SelfID, keywords)
	pctx.key = key

	if key >= pctx.group.MaxSessions {
		slog.Warn("dispatcher: session key exceeds maxSessions, dropping", "bot_id", pctx.botID, "group_id", pctx.groupID, "key", key, "max", pctx.group.MaxSessions)
		return
	}

	if cmd := d.tryManagementCommand(ctx, content, pctx); cmd.matched {
		if cmd.reply != "" {
			d.reply(ctx, event, cmd.reply)
		}
		return
	}

	sessionID, err := d.resolver.Resolve(ctx, string(pctx.botID), string(pctx.groupID), event.UserID, key)
	if err != nil {
		d.logTransient("session_resolve", err)
		return
	}

	d.gateAndEnqueue(ctx, pctx, protocol.SessionID(sessionID), event)
}

func (d *Dispatcher) seedTelemetry(event protocol.Event, span trace.Span) protocol.Event {
	extras := make(map[string]any, len(event.Extras)+1)
	for k, v := range event.Extras {
		extras[k] = v
	}

	if _, ok := extras["traceId"]; !ok {
		extras["traceId"] = newTraceID()
	}
	extras["traceStartedAt"] = time.Now().UnixMilli()

	event.Extras = extras
	if traceID, ok := extras["traceId"].(string); ok {
		span.SetAttributes(attribute.String("trace_id", traceID))
	}
	return event
}

func newTraceID() string {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(strconv.FormatInt(time.Now().UnixNano(), 16)))
	}
	return hex.EncodeToString(buf)
}

// validateAndLoad implements pipeline steps 2-4: envelope validation,
// alias resolution, and config ensure+load. Returns ok=false if the
// pipeline should stop here (validation failure or disabled group).
func (d *Dispatcher) validateAndLoad(ctx context.Context, event protocol.Event) (pipelineCtx, bool) {
	groupID := protocol.ResolveGroupID(event, d.forcedGroupOverride)

	if !groupID.Valid() || !protocol.IsSafePathSegment(event.SelfID) || !protocol.IsSafePathSegment(event.UserID) {
		err := &gwerrors.ValidationError{Field: "envelope", Reason: "groupId/selfId/userId failed safe-segment predicate"}
		slog.Error("dispatcher: validation failed", "error", err, "group_id", groupID, "self_id", event.SelfID, "user_id", event.UserID)
		return pipelineCtx{}, false
	}

	snap, err := d.router.GetSnapshot()
	canonicalSelf := event.SelfID
	if err == nil {
		canonicalSelf = resolveCanonicalBotID(snap.Aliases, event.SelfID)
	}
	botID := protocol.NewBotID(event.Platform, canonicalSelf)
	if !botID.Valid() {
		slog.Error("dispatcher: validation failed", "error", &gwerrors.ValidationError{Field: "botId", Reason: "derived botId unsafe"})
		return pipelineCtx{}, false
	}

	if err := d.router.EnsureBotConfig(botID); err != nil {
		d.logTransient("ensure_bot_config", err)
		return pipelineCtx{}, false
	}

	group, err := d.groups.GetGroup(groupID)
	if err != nil {
		d.logTransient("group_load", err)
		return pipelineCtx{}, false
	}
	if !group.Enabled {
		return pipelineCtx{}, false
	}

	return pipelineCtx{event: event, botID: botID, groupID: groupID, group: group}, true
}

func (d *Dispatcher) recordRoute(ctx context.Context, pctx pipelineCtx) {
	if d.routes == nil {
		return
	}
	route := protocol.GroupRoute{Platform: pctx.event.Platform, SelfID: pctx.event.SelfID, ChannelID: pctx.event.ChannelID}
	if err := d.routes.Record(ctx, pctx.groupID, route); err != nil {
		d.logTransient("group_route_record", err)
	}
}

func (d *Dispatcher) passiveEcho(ctx context.Context, pctx pipelineCtx, snap protocol.RouterSnapshot) {
	rate := snap.GlobalEchoRate
	if botCfg, ok := snap.BotConfigs[pctx.botID]; ok && botCfg.EchoRate != nil {
		rate = *botCfg.EchoRate
	}
	if pctx.group.EchoRate != nil {
		rate = *pctx.group.EchoRate
	}

	echo, err := d.echo.ShouldEcho(ctx, pctx.event, rate)
	if err != nil {
		d.logTransient("echo_tracker", err)
		return
	}
	if echo {
		d.reply(ctx, pctx.event, pctx.event.Content)
	}
}

func (d *Dispatcher) gateAndEnqueue(ctx context.Context, pctx pipelineCtx, sessionID protocol.SessionID, event protocol.Event) {
	bufKey := protocol.BufferKey{BotID: pctx.botID, GroupID: pctx.groupID, SessionID: sessionID}
	token := protocol.GateToken(newGateToken())

	owned, isNew, err := d.buffer.AppendAndRequestJob(ctx, bufKey, event, token)
	if err != nil {
		d.logTransient("session_buffer_append", err)
		return
	}
	if !isNew {
		// GateContention: not an error, the existing owner will process
		// this event on its next drain.
		return
	}

	traceID, _ := event.Extras["traceId"].(string)
	traceStartedAt, _ := event.Extras["traceStartedAt"].(int64)

	job := protocol.SessionJob{
		BotID:          pctx.botID,
		GroupID:        pctx.groupID,
		UserID:         event.UserID,
		SessionID:      sessionID,
		Key:            protocol.SessionKey(pctx.key),
		GateToken:      owned,
		TraceID:        traceID,
		TraceStartedAt: traceStartedAt,
		EnqueuedAt:     time.Now().UnixMilli(),
	}

	if _, err := d.queue.Enqueue(job); err != nil {
		// EnqueueFailure: the gate MUST be released (unconditionally,
		// not tryReleaseGate — spec §9's mandated policy) before
		// surfacing the failure, so the key is never stuck.
		if relErr := d.buffer.ReleaseGate(ctx, bufKey, owned); relErr != nil {
			slog.Error("dispatcher: gate release after enqueue failure also failed", "key", bufKey, "error", relErr)
		}
		d.logTransient("session_queue_enqueue", &gwerrors.EnqueueFailure{Key: bufKey.String(), Err: err})
	}
}

func newGateToken() string {
	buf := make([]byte, 12) // 96 bits
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(strconv.FormatInt(time.Now().UnixNano(), 16)))
	}
	return hex.EncodeToString(buf)
}

func (d *Dispatcher) reply(ctx context.Context, event protocol.Event, text string) {
	if err := d.sender.SendMessage(ctx, event, text, adapter.SendOptions{}); err != nil {
		sendErr := &gwerrors.AdapterSendError{Platform: event.Platform, ChannelID: event.ChannelID, Err: err}
		slog.Warn(sendErr.Error())
	}
}

func (d *Dispatcher) logTransient(op string, err error) {
	wrapped := &gwerrors.TransientInfraError{Op: op, Err: err}
	slog.Warn(wrapped.Error())
}
