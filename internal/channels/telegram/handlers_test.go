package telegram

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/chats"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/filter"
	"github.com/nextlevelbuilder/chatbridge/internal/router"
)

type recordingPublisher struct {
	frontend []bus.FrontendEvent
}

func (p *recordingPublisher) PublishRemote(bus.RemoteEvent)          {}
func (p *recordingPublisher) PublishFrontend(ev bus.FrontendEvent) { p.frontend = append(p.frontend, ev) }

const (
	operatorID int64 = 7
	memberID   int64 = 8
	groupID    int64 = -1001
)

func newTestChannel(admins ...string) (*Channel, *recordingPublisher, *fakeBot) {
	pub := &recordingPublisher{}
	bot := &fakeBot{}
	return &Channel{
		client: NewClient(bot, 0, 0),
		config: config.TelegramConfig{Admins: admins},
		deps:   Deps{Publisher: pub},
	}, pub, bot
}

func groupMessage(from int64, id int, text string) *telego.Message {
	return &telego.Message{
		MessageID: id,
		Chat:      telego.Chat{ID: groupID, Type: "supergroup", Title: "Ops"},
		From:      &telego.User{ID: from, FirstName: "U"},
		Text:      text,
	}
}

func TestOnlyOperatorsAreBridged(t *testing.T) {
	ctx := context.Background()
	c, pub, bot := newTestChannel("7")

	c.handleMessage(ctx, groupMessage(memberID, 1, "hello"))
	c.handleEdited(groupMessage(memberID, 1, "hello again"))
	c.handleReaction(&telego.MessageReactionUpdated{
		Chat:        telego.Chat{ID: groupID},
		MessageID:   1,
		User:        &telego.User{ID: memberID},
		NewReaction: []telego.ReactionType{&telego.ReactionTypeEmoji{Type: "emoji", Emoji: "👍"}},
	})
	for _, cmd := range []string{"/rm", "/react 👍", "/to discord 1 hi"} {
		m := groupMessage(memberID, 2, cmd)
		m.ReplyToMessage = groupMessage(operatorID, 1, "x")
		c.handleMessage(ctx, m)
	}
	if len(pub.frontend) != 0 {
		t.Fatalf("events from a non-operator: %+v", pub.frontend)
	}
	if len(bot.sent) != 3 || !strings.Contains(bot.sent[0].Text, "not allowed") {
		t.Errorf("refusals = %d", len(bot.sent))
	}

	c.handleMessage(ctx, groupMessage(operatorID, 3, "from the operator"))
	if len(pub.frontend) != 1 || pub.frontend[0].MessageID != 3 || pub.frontend[0].ContextID != groupID {
		t.Errorf("operator events = %+v", pub.frontend)
	}
}

func TestEveryoneIsOperatorWithoutAdmins(t *testing.T) {
	c, pub, _ := newTestChannel()
	c.handleMessage(context.Background(), groupMessage(memberID, 1, "hello"))
	if len(pub.frontend) != 1 {
		t.Errorf("events = %d, want 1", len(pub.frontend))
	}
}

func TestPickerIndexBounds(t *testing.T) {
	pk := &picker{user: operatorID, keys: []chat.Key{{ChannelID: "discord", ChatID: "1"}}}
	tests := []struct {
		user int64
		idx  int
		ok   bool
	}{
		{operatorID, 0, true},
		{operatorID, -1, false},
		{operatorID, 1, false},
		{memberID, 0, false},
	}
	for _, tt := range tests {
		if _, ok := pk.pick(tt.user, tt.idx); ok != tt.ok {
			t.Errorf("pick(%d, %d) ok = %v, want %v", tt.user, tt.idx, ok, tt.ok)
		}
	}
	// Two-part data decodes to idx -1 and must not index the picker.
	_, _, idx, ok := decodeCallback(cbPick + ":abc")
	if !ok || idx != -1 {
		t.Fatalf("decode = %d %v", idx, ok)
	}
	if _, ok := pk.pick(operatorID, idx); ok {
		t.Error("picked with a two-part callback")
	}
}

func TestErrorReportsThrottledPerContext(t *testing.T) {
	c, _, bot := newTestChannel()
	c.errorReplies = channels.NewKeyedLimiter(0.001, 2)

	for i := 0; i < 5; i++ {
		c.ReportError(context.Background(), bus.FrontendEvent{ContextID: groupID, MessageID: i}, router.ErrAmbiguousTarget)
	}
	if len(bot.sent) != 2 {
		t.Errorf("reports sent = %d, want 2", len(bot.sent))
	}
	c.ReportError(context.Background(), bus.FrontendEvent{ContextID: groupID - 1, MessageID: 1}, router.ErrAmbiguousTarget)
	if len(bot.sent) != 3 {
		t.Error("another context was throttled")
	}
}

type listingRemote struct {
	chats []chat.RemoteChat
	lists atomic.Int32
}

func (r *listingRemote) ID() string   { return "discord" }
func (r *listingRemote) Name() string { return "Discord" }
func (r *listingRemote) Send(context.Context, chat.Key, channels.Content, string) (string, error) {
	return "", nil
}
func (r *listingRemote) Edit(context.Context, chat.Key, string, channels.Content) error { return nil }
func (r *listingRemote) Delete(context.Context, chat.Key, string) error                 { return nil }
func (r *listingRemote) React(context.Context, chat.Key, string, string, bool) error    { return nil }
func (r *listingRemote) Capabilities(chat.Key) channels.Capabilities                    { return channels.Capabilities{} }
func (r *listingRemote) ListChats(context.Context) ([]chat.RemoteChat, error) {
	r.lists.Add(1)
	return r.chats, nil
}

func TestSearchRefreshesOnEmptyResult(t *testing.T) {
	ctx := context.Background()
	remote := &listingRemote{chats: []chat.RemoteChat{
		{Key: chat.Key{ChannelID: "discord", ChatID: "42"}, Name: "Gophers", Kind: chat.KindGroup},
	}}
	mgr := channels.NewManager()
	mgr.Register(remote)
	c, _, _ := newTestChannel()
	c.deps.Directory = chats.New(nil, mgr)
	c.deps.Bindings = binding.New(nil, false)

	p, err := filter.Compile("Gophers")
	if err != nil {
		t.Fatal(err)
	}
	got := c.searchChats(ctx, p)
	if len(got) != 1 || got[0].Name != "Gophers" || got[0].ChannelName != "Discord" {
		t.Fatalf("search = %+v", got)
	}
	if n := remote.lists.Load(); n != 1 {
		t.Errorf("ListChats calls = %d, want 1", n)
	}

	// A hit is served from the directory.
	c.searchChats(ctx, p)
	if n := remote.lists.Load(); n != 1 {
		t.Errorf("ListChats calls after a hit = %d, want 1", n)
	}
	if txt := c.noMatchText(); !strings.Contains(txt, "discord") {
		t.Errorf("noMatchText = %q", txt)
	}
}
