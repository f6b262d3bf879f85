// Package telegram adapts the Telegram Bot API (mymmrac/telego) via
// long polling to the Adapter interface.
//
// Adapted from the teacher's internal/channels/telegram package: the
// long-polling lifecycle (cancellable context + drain-on-stop) is kept
// verbatim in spirit; menu-command sync, draft streaming, reactions,
// and the pairing/team-store integrations are dropped as out of scope.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const maxMessageLen = 4096

// Config configures one Telegram adapter instance.
type Config struct {
	Token string
}

// Adapter implements adapter.TypingAdapter over telego long polling.
type Adapter struct {
	bot *telego.Bot

	mu       sync.RWMutex
	handlers []adapter.EventHandler

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter from cfg. Polling does not begin
// until Connect.
func New(cfg Config) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot}, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.Background())
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	slog.Info("telegram adapter connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(*update.Message)
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram adapter: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) OnEvent(handler adapter.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

func (a *Adapter) GetBotUserID() string {
	return fmt.Sprintf("%d", a.bot.ID())
}

func (a *Adapter) SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error {
	if text == "" {
		return nil
	}
	chatID, err := parseChatID(event.ChannelID)
	if err != nil {
		return fmt.Errorf("telegram send: invalid chat id %q: %w", event.ChannelID, err)
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := a.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: chatID},
			Text:   chunk,
		}); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, event protocol.Event) error {
	chatID, err := parseChatID(event.ChannelID)
	if err != nil {
		return fmt.Errorf("telegram typing: invalid chat id %q: %w", event.ChannelID, err)
	}
	return a.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	})
}

func (a *Adapter) handleMessage(m telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	a.mu.RLock()
	handlers := append([]adapter.EventHandler(nil), a.handlers...)
	a.mu.RUnlock()

	content := m.Text
	var elements []protocol.Element
	if content != "" {
		elements = append(elements, protocol.TextElement(content))
	}
	for _, ent := range m.Entities {
		if ent.Type == "mention" || ent.Type == "text_mention" {
			if ent.User != nil {
				elements = append(elements, protocol.MentionElement(fmt.Sprintf("%d", ent.User.ID)))
			}
		}
	}

	guildID := ""
	if m.Chat.Type != "private" {
		// Telegram group/supergroup chat ids are negative; strip the
		// sign so the derived groupId satisfies the safe-segment
		// predicate (which requires a leading alphanumeric).
		guildID = strings.TrimPrefix(fmt.Sprintf("%d", m.Chat.ID), "-")
	}

	event := protocol.Event{
		Type:        "message",
		Platform:    "telegram",
		SelfID:      a.GetBotUserID(),
		UserID:      fmt.Sprintf("%d", m.From.ID),
		GuildID:     guildID,
		ChannelID:   fmt.Sprintf("%d", m.Chat.ID),
		MessageID:   fmt.Sprintf("%d", m.MessageID),
		Content:     content,
		Elements:    elements,
		TimestampMs: int64(m.Date) * 1000,
		Extras:      map[string]any{},
	}

	for _, h := range handlers {
		h(event)
	}
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
