package dispatcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// effectiveKeywords composes the keyword list from global, group, and
// bot sources, filtered by the bot's keywordRouting flags (spec §4.4
// step 6).
func effectiveKeywords(snap protocol.RouterSnapshot, botID protocol.BotID, group protocol.GroupConfig) []string {
	botCfg := snap.BotConfigs[botID]
	routing := botCfg.KeywordRouting

	var out []string
	if routing.EnableGlobal {
		out = append(out, snap.GlobalKeywords...)
	}
	if routing.EnableGroup {
		out = append(out, group.Keywords...)
	}
	if routing.EnableBot {
		out = append(out, botCfg.Keywords...)
	}
	return out
}

// rawMentionPattern matches a platform-style "<@selfId>" raw mention
// token for adapters that don't normalize mentions into elements.
func rawMentionPattern(selfID string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`<@!?%s>`, regexp.QuoteMeta(selfID)))
}

// shouldWake reports whether event mentions this bot, either via a
// mention element or a platform raw-mention token.
func shouldWake(event protocol.Event, selfID string) bool {
	if event.HasMention(selfID) {
		return true
	}
	return rawMentionPattern(selfID).MatchString(event.Content)
}

// shouldEnqueue is the decision function spec §8 names explicitly:
// "true iff the event mentions self OR (triggerMode=keyword AND at
// least one applicable keyword matches)".
func shouldEnqueue(event protocol.Event, selfID, triggerMode string, keywords []string) bool {
	if shouldWake(event, selfID) {
		return true
	}
	if triggerMode != "keyword" {
		return false
	}
	lower := strings.ToLower(event.Content)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// stripWakeKeyword removes a leading mention token or matched keyword
// from content, for the session-key extraction step which operates on
// content with the wake marker already stripped.
func stripWakeKeyword(content, selfID string, keywords []string) string {
	trimmed := strings.TrimSpace(content)

	if loc := rawMentionPattern(selfID).FindStringIndex(trimmed); loc != nil && loc[0] == 0 {
		return strings.TrimSpace(trimmed[loc[1]:])
	}

	lower := strings.ToLower(trimmed)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		lkw := strings.ToLower(kw)
		if strings.HasPrefix(lower, lkw) {
			return strings.TrimSpace(trimmed[len(kw):])
		}
	}
	return trimmed
}
