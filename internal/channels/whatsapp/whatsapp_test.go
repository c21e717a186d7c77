package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

type recorder struct {
	events chan bus.RemoteEvent
}

func (r *recorder) PublishRemote(ev bus.RemoteEvent)     { r.events <- ev }
func (r *recorder) PublishFrontend(ev bus.FrontendEvent) {}

type sinkRecorder struct {
	mu    sync.Mutex
	chats []chat.RemoteChat
}

func (s *sinkRecorder) Upsert(_ context.Context, c chat.RemoteChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, c)
	return nil
}

// fakeBridge answers requests and pushes one inbound message on connect.
func fakeBridge(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(frame{
			Type: frameMessage, Chat: "123@g.us", ChatName: "Family", ID: "in-1",
			From: "4915@s.whatsapp.net", FromName: "Alex", Content: "hi", Media: []string{"/tmp/a.jpg"},
		})

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			resp := frame{Type: frameAck, Req: f.Req}
			switch {
			case f.Type == frameSend && f.Content == "refuse":
				resp = frame{Type: frameError, Req: f.Req, Code: codeUnsupported, Error: "chat is read-only"}
			case f.Type == frameSend:
				resp.ID = "out-" + f.ReplyTo
			case f.Type == frameListChats:
				resp.Chats = []bridgeChat{
					{ID: "123@g.us", Name: "Family"},
					{ID: "4915@s.whatsapp.net", Name: "Alex", Muted: true},
				}
			case f.Type == frameDeleteMsg:
				resp = frame{Type: frameError, Req: f.Req, Error: "boom"}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func startChannel(t *testing.T) (*Channel, *recorder, *sinkRecorder) {
	t.Helper()
	srv := fakeBridge(t)
	t.Cleanup(srv.Close)

	rec := &recorder{events: make(chan bus.RemoteEvent, 8)}
	sink := &sinkRecorder{}
	c, err := New(config.WhatsAppConfig{Enabled: true, BridgeURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, rec, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, rec, sink
}

func TestInboundMessage(t *testing.T) {
	_, rec, sink := startChannel(t)

	select {
	case ev := <-rec.events:
		want := bus.RemoteEvent{
			Kind:      bus.KindMessage,
			Chat:      chat.Key{ChannelID: ChannelID, ChatID: "123@g.us"},
			MessageID: "in-1",
			Author:    "Alex",
			Text:      "hi\n[media: /tmp/a.jpg]",
		}
		if ev != want {
			t.Errorf("event = %+v\nwant    %+v", ev, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.chats) != 1 || sink.chats[0].Name != "Family" || sink.chats[0].Kind != chat.KindGroup {
		t.Errorf("learned chats = %+v", sink.chats)
	}
}

func TestRequests(t *testing.T) {
	c, _, _ := startChannel(t)
	ctx := context.Background()
	key := chat.Key{ChannelID: ChannelID, ChatID: "123@g.us"}

	// The first connect may race the test; wait for the socket.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		up := c.conn != nil
		c.mu.Unlock()
		if up || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	id, err := c.Send(ctx, key, channels.Content{Text: "hello"}, "in-1")
	if err != nil || id != "out-in-1" {
		t.Fatalf("Send = %q, %v", id, err)
	}

	if _, err := c.Send(ctx, key, channels.Content{Text: "refuse"}, ""); !errors.Is(err, channels.ErrUnsupported) {
		t.Errorf("refused send err = %v, want ErrUnsupported", err)
	}

	if err := c.Delete(ctx, key, "out-1"); err == nil || errors.Is(err, channels.ErrUnsupported) {
		t.Errorf("Delete err = %v, want a plain bridge error", err)
	}

	list, err := c.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListChats returned %d chats", len(list))
	}
	if list[1].Kind != chat.KindUser || list[1].Notification != chat.NotifyNone {
		t.Errorf("direct chat = %+v", list[1])
	}
	if phone, _ := list[1].Vendor.Get("phone"); phone != "+4915" {
		t.Errorf("phone = %v", phone)
	}
}

func TestSendWithoutBridge(t *testing.T) {
	c, err := New(config.WhatsAppConfig{BridgeURL: "ws://127.0.0.1:1"}, &recorder{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(context.Background(), chat.Key{ChannelID: ChannelID, ChatID: "x"}, channels.Content{Text: "hi"}, ""); !errors.Is(err, errNotConnected) {
		t.Errorf("err = %v, want errNotConnected", err)
	}
}

func TestToEvent(t *testing.T) {
	tests := []struct {
		name string
		in   frame
		want bus.RemoteEvent
		ok   bool
	}{
		{
			name: "direct message falls back to sender",
			in:   frame{Type: frameMessage, From: "49@s.whatsapp.net", ID: "m1"},
			want: bus.RemoteEvent{Kind: bus.KindMessage, Chat: chat.Key{ChannelID: ChannelID, ChatID: "49@s.whatsapp.net"}, MessageID: "m1", Author: "49@s.whatsapp.net", Text: "[empty message]"},
			ok:   true,
		},
		{
			name: "edit drops reply",
			in:   frame{Type: frameEdit, Chat: "c", ID: "m1", Content: "fixed", ReplyTo: "m0"},
			want: bus.RemoteEvent{Kind: bus.KindEdit, Chat: chat.Key{ChannelID: ChannelID, ChatID: "c"}, MessageID: "m1", Text: "fixed"},
			ok:   true,
		},
		{
			name: "reaction removal",
			in:   frame{Type: frameReaction, Chat: "c", ID: "m1", Reaction: "👍", Remove: true},
			want: bus.RemoteEvent{Kind: bus.KindReaction, Chat: chat.Key{ChannelID: ChannelID, ChatID: "c"}, MessageID: "m1", Reaction: "👍", Remove: true},
			ok:   true,
		},
		{name: "missing id", in: frame{Type: frameDelete, Chat: "c"}},
		{name: "unknown type", in: frame{Type: "presence", Chat: "c", ID: "m1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toEvent(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("toEvent = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
