// Package protocol defines the wire-level data model shared by every
// adapter, the dispatcher, and the external collaborators (session
// repository, LLM worker) that sit at the edge of this gateway.
package protocol

import "regexp"

// Element is one typed fragment of an Event's content. Elements textually
// reconstruct Content, possibly with surrounding mention/quote markers.
type Element struct {
	Kind string `json:"kind"` // "text", "image", "mention", "quote"

	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

func TextElement(s string) Element        { return Element{Kind: "text", Text: s} }
func ImageElement(url string) Element     { return Element{Kind: "image", URL: url} }
func MentionElement(userID string) Element { return Element{Kind: "mention", UserID: userID} }
func QuoteElement(messageID string) Element {
	return Element{Kind: "quote", MessageID: messageID}
}

// Event is the platform-normalized inbound (and synthetic, for scheduled
// pushes) unit the dispatcher consumes.
type Event struct {
	Type     string `json:"type"` // currently only "message"
	Platform string `json:"platform"`
	SelfID   string `json:"selfId"`
	UserID   string `json:"userId"`
	GuildID  string `json:"guildId,omitempty"`  // absence denotes a direct message
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId,omitempty"`

	Content  string    `json:"content"`
	Elements []Element `json:"elements"`

	TimestampMs int64 `json:"timestamp"`

	Extras map[string]any `json:"extras"`
}

// IsDirect reports whether the event has no guild scope.
func (e Event) IsDirect() bool { return e.GuildID == "" }

// HasMention reports whether any mention element names userID. Raw
// mention tokens inside Content are not checked here.
func (e Event) HasMention(userID string) bool {
	for _, el := range e.Elements {
		if el.Kind == "mention" && el.UserID == userID {
			return true
		}
	}
	return false
}

// HasAnyMention reports whether the event mentions anyone at all, via a
// mention element or a bare "@" in content. Used by EchoTracker.
func (e Event) HasAnyMention() bool {
	for _, el := range e.Elements {
		if el.Kind == "mention" {
			return true
		}
	}
	return bareAtPattern.MatchString(e.Content)
}

var bareAtPattern = regexp.MustCompile(`@`)

// safeSegmentPattern is the predicate every BotId/GroupId/user segment
// must satisfy: starts with an alphanumeric, then alphanumerics, dots,
// underscores, or hyphens — and must not contain "..".
var safeSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IsSafePathSegment reports whether s is safe to use as a filesystem path
// segment or KV key component: s matches [A-Za-z0-9][A-Za-z0-9._-]* and
// contains no "..".
func IsSafePathSegment(s string) bool {
	if s == "" || !safeSegmentPattern.MatchString(s) {
		return false
	}
	return !containsDotDot(s)
}

func containsDotDot(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '.' && s[i+1] == '.' {
			return true
		}
	}
	return false
}
