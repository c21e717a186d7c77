// Package whatsapp is a remote channel that reaches WhatsApp through an
// external bridge process over a WebSocket.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// ChannelID is the id of this channel in chat keys.
const ChannelID = "whatsapp"

const (
	requestTimeout = 15 * time.Second
	writeTimeout   = 10 * time.Second
	maxBackoff     = 30 * time.Second
	eventBuffer    = 1024
)

var errNotConnected = errors.New("whatsapp bridge not connected")

// ChatSink learns chats as messages arrive. *chats.Directory implements it.
type ChatSink interface {
	Upsert(ctx context.Context, c chat.RemoteChat) error
}

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge handles the actual WhatsApp protocol; this channel just
// sends/receives JSON frames over WS.
type Channel struct {
	config    config.WhatsAppConfig
	publisher bus.Publisher
	sink      ChatSink

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	pending sync.Map // req → chan frame
	seq     atomic.Uint64
	seen    sync.Map // chat id → struct{}
	running atomic.Bool

	// events are published off the read loop; acks must not wait on the dispatcher.
	events chan bus.RemoteEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new WhatsApp channel from config. sink may be nil.
func New(cfg config.WhatsAppConfig, publisher bus.Publisher, sink ChatSink) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		config:    cfg,
		publisher: publisher,
		sink:      sink,
	}, nil
}

// ID implements channels.RemoteChannel.
func (c *Channel) ID() string { return ChannelID }

// Name implements channels.RemoteChannel.
func (c *Channel) Name() string { return "WhatsApp" }

// IsRunning implements channels.Runner.
func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.events = make(chan bus.RemoteEvent, eventBuffer)

	if err := c.connect(); err != nil {
		// Don't fail hard; the reconnect loop keeps trying
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	go c.publishLoop()

	c.running.Store(true)
	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.done != nil {
		<-c.done
	}
	c.running.Store(false)
	return nil
}

// Send implements channels.RemoteChannel.
func (c *Channel) Send(ctx context.Context, key chat.Key, content channels.Content, replyTo string) (string, error) {
	resp, err := c.request(ctx, frame{
		Type:    frameSend,
		Chat:    key.ChatID,
		Content: content.Text,
		ReplyTo: replyTo,
		Silent:  content.Silent,
	})
	if err != nil {
		return "", fmt.Errorf("send whatsapp message: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("send whatsapp message: bridge returned no message id")
	}
	return resp.ID, nil
}

// Edit implements channels.RemoteChannel.
func (c *Channel) Edit(ctx context.Context, key chat.Key, msgID string, content channels.Content) error {
	if _, err := c.request(ctx, frame{Type: frameEditMsg, Chat: key.ChatID, ID: msgID, Content: content.Text}); err != nil {
		return fmt.Errorf("edit whatsapp message: %w", err)
	}
	return nil
}

// Delete implements channels.RemoteChannel.
func (c *Channel) Delete(ctx context.Context, key chat.Key, msgID string) error {
	if _, err := c.request(ctx, frame{Type: frameDeleteMsg, Chat: key.ChatID, ID: msgID}); err != nil {
		return fmt.Errorf("delete whatsapp message: %w", err)
	}
	return nil
}

// React implements channels.RemoteChannel.
func (c *Channel) React(ctx context.Context, key chat.Key, msgID, reaction string, remove bool) error {
	if _, err := c.request(ctx, frame{Type: frameReact, Chat: key.ChatID, ID: msgID, Reaction: reaction, Remove: remove}); err != nil {
		return fmt.Errorf("whatsapp reaction: %w", err)
	}
	return nil
}

// Capabilities implements channels.RemoteChannel. The bridge refuses edits
// past WhatsApp's edit window with an "unsupported" error.
func (c *Channel) Capabilities(chat.Key) channels.Capabilities {
	return channels.Capabilities{SupportsEdit: true, SupportsDelete: true}
}

// ListChats implements channels.RemoteChannel.
func (c *Channel) ListChats(ctx context.Context) ([]chat.RemoteChat, error) {
	resp, err := c.request(ctx, frame{Type: frameListChats})
	if err != nil {
		return nil, fmt.Errorf("list whatsapp chats: %w", err)
	}
	out := make([]chat.RemoteChat, 0, len(resp.Chats))
	for _, bc := range resp.Chats {
		out = append(out, toRemoteChat(bc))
	}
	return out, nil
}

// request writes f with a fresh req id and waits for the matching ack.
func (c *Channel) request(ctx context.Context, f frame) (frame, error) {
	f.Req = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan frame, 1)
	c.pending.Store(f.Req, ch)
	defer c.pending.Delete(f.Req)

	if err := c.write(f); err != nil {
		return frame{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Type == frameError {
			return resp, bridgeError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, fmt.Errorf("bridge %s request: %w", f.Type, ctx.Err())
	}
}

func (c *Channel) write(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write to whatsapp bridge: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(c.ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			// Not connected: attempt reconnect with backoff
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

// dispatch routes a frame to its waiting request or publishes it as an event.
func (c *Channel) dispatch(f frame) {
	switch f.Type {
	case frameAck, frameError:
		if v, ok := c.pending.Load(f.Req); ok {
			select {
			case v.(chan frame) <- f:
			default:
			}
		} else {
			slog.Debug("whatsapp ack for unknown request", "req", f.Req)
		}
		return
	}

	ev, ok := toEvent(f)
	if !ok {
		slog.Debug("ignoring whatsapp bridge frame", "type", f.Type)
		return
	}
	if f.Type == frameMessage {
		c.learnChat(f)
		slog.Debug("whatsapp message received",
			"sender_id", f.From,
			"chat_id", ev.Chat.ChatID,
			"preview", channels.Truncate(ev.Text, 50),
		)
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) publishLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.publisher.PublishRemote(ev)
		}
	}
}

// toEvent converts a bridge event frame.
func toEvent(f frame) (bus.RemoteEvent, bool) {
	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}
	if chatID == "" || f.ID == "" {
		return bus.RemoteEvent{}, false
	}
	ev := bus.RemoteEvent{
		Chat:      chat.Key{ChannelID: ChannelID, ChatID: chatID},
		MessageID: f.ID,
		Author:    f.FromName,
	}
	if ev.Author == "" {
		ev.Author = f.From
	}

	switch f.Type {
	case frameMessage:
		ev.Kind = bus.KindMessage
		ev.ReplyTo = f.ReplyTo
		ev.Text = messageText(f)
	case frameEdit:
		ev.Kind = bus.KindEdit
		ev.Text = messageText(f)
	case frameDelete:
		ev.Kind = bus.KindDelete
	case frameReaction:
		ev.Kind = bus.KindReaction
		ev.Reaction = f.Reaction
		ev.Remove = f.Remove
	default:
		return bus.RemoteEvent{}, false
	}
	return ev, true
}

func messageText(f frame) string {
	content := f.Content
	for _, m := range f.Media {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[media: %s]", m)
	}
	if content == "" {
		content = "[empty message]"
	}
	return content
}

// learnChat records the frame's chat in the directory the first time it is seen.
func (c *Channel) learnChat(f frame) {
	if c.sink == nil || f.Chat == "" {
		return
	}
	if _, dup := c.seen.LoadOrStore(f.Chat, struct{}{}); dup {
		return
	}
	name := f.ChatName
	if name == "" && !isGroup(f.Chat) {
		name = f.FromName
	}
	rc := toRemoteChat(bridgeChat{ID: f.Chat, Name: name})
	if err := c.sink.Upsert(c.ctx, rc); err != nil {
		c.seen.Delete(f.Chat)
		slog.Warn("whatsapp: failed to record chat", "chat_id", f.Chat, "error", err)
	}
}

func toRemoteChat(bc bridgeChat) chat.RemoteChat {
	rc := chat.RemoteChat{
		Key:          chat.Key{ChannelID: ChannelID, ChatID: bc.ID},
		ChannelName:  "WhatsApp",
		Name:         bc.Name,
		Description:  bc.Description,
		Kind:         chat.KindUser,
		Notification: chat.NotifyAll,
	}
	if isGroup(bc.ID) {
		rc.Kind = chat.KindGroup
	}
	if bc.Muted {
		rc.Notification = chat.NotifyNone
	}
	if phone, ok := strings.CutSuffix(bc.ID, "@s.whatsapp.net"); ok {
		rc.Vendor.Set("phone", "+"+phone)
	}
	return rc
}

// WhatsApp groups have chatID ending in "@g.us"
func isGroup(chatID string) bool { return strings.HasSuffix(chatID, "@g.us") }
