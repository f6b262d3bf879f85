// Package qqmilky adapts the Milky WebSocket protocol (the "qq"
// platform) to the Adapter interface. The wire format is JSON frames
// over a single duplex WebSocket connection: {"type":"message",...} for
// inbound events, {"action":"send_message",...} for outbound sends.
//
// Grounded on the teacher's zalo/personal/protocol.WSClient: a
// coder/websocket connection wrapped with a mutex-guarded write and a
// blocking read loop, since coder/websocket connections are not safe
// for concurrent writes.
package qqmilky

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// Config configures one Milky WebSocket connection.
type Config struct {
	WSUrl  string
	SelfID string
}

type wireEvent struct {
	Type      string             `json:"type"`
	SelfID    string             `json:"selfId"`
	UserID    string             `json:"userId"`
	GroupID   string             `json:"groupId,omitempty"`
	ChannelID string             `json:"channelId"`
	MessageID string             `json:"messageId,omitempty"`
	Content   string             `json:"content"`
	Elements  []protocol.Element `json:"elements"`
	Timestamp int64              `json:"timestamp"`
}

type wireSend struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

// Adapter implements adapter.Adapter over a single Milky WebSocket
// connection.
type Adapter struct {
	cfg Config

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.RWMutex
	handlers []adapter.EventHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Milky adapter. The connection is not dialed until
// Connect.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.cfg.WSUrl, nil)
	if err != nil {
		return fmt.Errorf("dial milky: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	a.conn = conn
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.readLoop(readCtx)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		a.conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	if a.done != nil {
		<-a.done
	}
	return nil
}

func (a *Adapter) OnEvent(handler adapter.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

func (a *Adapter) GetBotUserID() string {
	return a.cfg.SelfID
}

func (a *Adapter) SendMessage(ctx context.Context, event protocol.Event, text string, opts adapter.SendOptions) error {
	if text == "" {
		return nil
	}
	raw, err := json.Marshal(wireSend{Action: "send_message", ChannelID: event.ChannelID, Content: text})
	if err != nil {
		return fmt.Errorf("marshal milky send: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("milky send: %w", err)
	}
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.done)
	for {
		_, data, err := a.conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("qqmilky adapter: read failed, closing", "error", err)
				return
			}
		}

		var we wireEvent
		if err := json.Unmarshal(data, &we); err != nil {
			slog.Warn("qqmilky adapter: malformed frame, dropping", "error", err)
			continue
		}
		if we.Type != "message" {
			continue
		}

		event := protocol.Event{
			Type:        "message",
			Platform:    "qq",
			SelfID:      we.SelfID,
			UserID:      we.UserID,
			GuildID:     we.GroupID,
			ChannelID:   we.ChannelID,
			MessageID:   we.MessageID,
			Content:     we.Content,
			Elements:    we.Elements,
			TimestampMs: we.Timestamp,
			Extras:      map[string]any{},
		}

		a.mu.RLock()
		handlers := append([]adapter.EventHandler(nil), a.handlers...)
		a.mu.RUnlock()
		for _, h := range handlers {
			h(event)
		}
	}
}
