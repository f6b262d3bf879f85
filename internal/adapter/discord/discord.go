// Package discord adapts the Discord gateway (bwmarrin/discordgo) to
// the Adapter interface, normalizing MessageCreate events into
// protocol.Event and chunking outbound sends at Discord's 2000-char
// message limit.
//
// Adapted from the teacher's internal/channels/discord package: the
// session lifecycle, typing-indicator keepalive, and chunked-send
// pattern are kept; the pairing/allowlist/history-context machinery is
// dropped since group/DM policy now lives entirely in GroupConfig,
// resolved downstream by the dispatcher.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const maxMessageLen = 2000

// Config configures one Discord adapter instance.
type Config struct {
	Token string
}

// Adapter implements adapter.TypingAdapter over a discordgo session.
type Adapter struct {
	cfg     Config
	session *discordgo.Session

	mu        sync.RWMutex
	handlers  []adapter.EventHandler
	botUserID string

	typingMu sync.Mutex
	typing   map[string]context.CancelFunc
}

// New creates a Discord adapter from cfg. The session is not opened
// until Connect.
func New(cfg Config) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	a := &Adapter{cfg: cfg, session: session, typing: make(map[string]context.CancelFunc)}
	session.AddHandler(a.handleMessage)
	return a, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		_ = a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.mu.Lock()
	a.botUserID = user.ID
	a.mu.Unlock()
	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.session.Close()
}

func (a *Adapter) OnEvent(handler adapter.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

func (a *Adapter) GetBotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

func (a *Adapter) SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error {
	if text == "" {
		return nil
	}
	a.typingMu.Lock()
	if cancel, ok := a.typing[event.ChannelID]; ok {
		cancel()
		delete(a.typing, event.ChannelID)
	}
	a.typingMu.Unlock()
	return a.sendChunked(event.ChannelID, text)
}

func (a *Adapter) SendTyping(ctx context.Context, event protocol.Event) error {
	a.typingMu.Lock()
	if cancel, ok := a.typing[event.ChannelID]; ok {
		cancel()
	}
	tctx, cancel := context.WithCancel(context.Background())
	a.typing[event.ChannelID] = cancel
	a.typingMu.Unlock()

	if err := a.session.ChannelTyping(event.ChannelID); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}

	// Discord's typing indicator expires after ~10s; keep it alive until
	// the caller's next send stops it or 60s elapses, whichever first.
	go func() {
		ticker := time.NewTicker(9 * time.Second)
		defer ticker.Stop()
		deadline := time.NewTimer(60 * time.Second)
		defer deadline.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				_ = a.session.ChannelTyping(event.ChannelID)
			}
		}
	}()
	return nil
}

func (a *Adapter) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.RLock()
	selfID := a.botUserID
	handlers := append([]adapter.EventHandler(nil), a.handlers...)
	a.mu.RUnlock()

	if m.Author == nil || m.Author.ID == selfID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	elements := make([]protocol.Element, 0, len(m.Mentions)+1)
	if content != "" {
		elements = append(elements, protocol.TextElement(content))
	}
	for _, u := range m.Mentions {
		elements = append(elements, protocol.MentionElement(u.ID))
	}

	extras := map[string]any{}
	if m.Member != nil && m.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		extras["isGuildAdmin"] = true
	}
	if m.GuildID != "" {
		if guild, err := a.session.State.Guild(m.GuildID); err == nil && guild.OwnerID == m.Author.ID {
			extras["isGuildOwner"] = true
		}
	}

	event := protocol.Event{
		Type:        "message",
		Platform:    "discord",
		SelfID:      selfID,
		UserID:      m.Author.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		MessageID:   m.ID,
		Content:     content,
		Elements:    elements,
		TimestampMs: m.Timestamp.UnixMilli(),
		Extras:      extras,
	}

	for _, h := range handlers {
		h(event)
	}
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
