package protocol

import "fmt"

// BotID is the internal filesystem-safe identifier derived as
// "platform-selfId" after alias resolution. Must satisfy
// IsSafePathSegment.
type BotID string

// NewBotID builds the canonical botId from a platform and an
// alias-resolved selfId.
func NewBotID(platform, resolvedSelfID string) BotID {
	return BotID(fmt.Sprintf("%s-%s", platform, resolvedSelfID))
}

func (b BotID) Valid() bool { return IsSafePathSegment(string(b)) }

// GroupID is the conversation scope: guildId for guild messages, or the
// literal "0" for direct messages.
type GroupID string

const DirectGroupID GroupID = "0"

func (g GroupID) Valid() bool { return IsSafePathSegment(string(g)) }

// ResolveGroupID picks the GroupId for an event: a forced override if
// present, otherwise guildId, otherwise DirectGroupID for DMs.
func ResolveGroupID(e Event, forcedOverride string) GroupID {
	if forcedOverride != "" {
		return GroupID(forcedOverride)
	}
	if e.GuildID != "" {
		return GroupID(e.GuildID)
	}
	return DirectGroupID
}

// SessionKey is a per-user multiplex, parsed from a "#N " prefix at the
// start of the (post-wake-word-stripped) content. Default 0.
type SessionKey int

// SessionID identifies one logical conversation (bot, group, user, key),
// minted exclusively by the external session repository.
type SessionID string

// BufferKey names one logical serial stream inside SessionBuffer.
type BufferKey struct {
	BotID     BotID
	GroupID   GroupID
	SessionID SessionID
}

func (k BufferKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.BotID, k.GroupID, k.SessionID)
}

// GateToken is a short random opaque string (>=96 bits entropy
// recommended) granting the right to enqueue exactly one SessionJob for
// a BufferKey.
type GateToken string

// SessionJob is the unit of work handed to the external LLM worker via
// SessionQueue.
type SessionJob struct {
	BotID          BotID     `json:"botId"`
	GroupID        GroupID   `json:"groupId"`
	UserID         string    `json:"userId"`
	SessionID      SessionID `json:"sessionId"`
	Key            SessionKey `json:"key"`
	GateToken      GateToken `json:"gateToken"`
	TraceID        string    `json:"traceId"`
	TraceStartedAt int64     `json:"traceStartedAt"`
	EnqueuedAt     int64     `json:"enqueuedAt"`
}
