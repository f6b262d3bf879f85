// Package adapter defines the capability surface every upstream chat
// network implementation must satisfy, plus MultiAdapter, which
// composes heterogeneous adapters behind a single interface.
//
// Adapted from the teacher's internal/channels.Channel interface:
// narrowed to the minimal §4.1 surface (connect/disconnect/onEvent/send)
// rather than a fat interface carrying policy, allowlists, and pairing —
// those concerns now live in the dispatcher and group config.
package adapter

import (
	"context"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// SendOptions carries the optional structured elements accompanying a
// sendMessage call.
type SendOptions struct {
	Elements []protocol.Element
}

// EventHandler is invoked for every inbound Event an adapter produces.
type EventHandler func(protocol.Event)

// Adapter is the minimal capability the core requires from any upstream
// chat network implementation. connect/disconnect are idempotent;
// disconnect must not emit further events after it returns.
type Adapter interface {
	// Connect establishes the upstream connection. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect tears the upstream connection down. Idempotent; must
	// not emit further events once it returns.
	Disconnect(ctx context.Context) error

	// OnEvent registers a handler invoked for every inbound Event.
	// Adapters that support multiple handlers call every registered one.
	OnEvent(handler EventHandler)

	// SendMessage sends text (and optional elements) to event.ChannelID.
	// Implementations may split long text; the call is assumed complete
	// once the upstream accepts the message.
	SendMessage(ctx context.Context, event protocol.Event, text string, opts SendOptions) error

	// GetBotUserID returns this adapter's upstream selfId, or "" before
	// ready.
	GetBotUserID() string
}

// TypingAdapter is an optional capability extension: adapters that can
// surface a typing indicator implement it.
type TypingAdapter interface {
	Adapter
	SendTyping(ctx context.Context, event protocol.Event) error
}

// UpdatableAdapter is an optional capability extension for adapters that
// support editing a previously sent message in place (e.g. Discord's
// "Thinking..." placeholder pattern). The core never calls this itself;
// it exists for the external worker to use.
type UpdatableAdapter interface {
	Adapter
	UpdateMessage(ctx context.Context, event protocol.Event, messageID string, text string) error
}
