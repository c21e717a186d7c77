package filter

import (
	"slices"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

func testChats() []chat.RemoteChat {
	var vendor chat.VendorInfo
	vendor.Set("wxid", "wx_johnny")
	return []chat.RemoteChat{
		{Key: chat.Key{ChannelID: "blueset.wechat", ChatID: "g1"}, ChannelName: "WeChat", Name: "Family", Kind: chat.KindGroup},
		{Key: chat.Key{ChannelID: "blueset.wechat", ChatID: "u1"}, ChannelName: "WeChat", Name: "John", Alias: "Johnny", Kind: chat.KindUser, Vendor: vendor},
		{Key: chat.Key{ChannelID: "discord", ChatID: "c1"}, ChannelName: "Discord", Name: "general", Kind: chat.KindGroup, Notification: chat.NotifyMention},
	}
}

func ids(seq []chat.RemoteChat) []string {
	var out []string
	for _, c := range seq {
		out = append(out, c.ChatID)
	}
	return out
}

func TestChats(t *testing.T) {
	linked := func(k chat.Key) bool { return k.ChatID == "c1" }
	tests := []struct {
		pattern string
		want    []string
	}{
		{"", []string{"g1", "u1", "c1"}},
		{"Channel: WeChat.*Type: Group", []string{"g1"}},
		{"(?=.*John)(?=.*Johnny)", []string{"u1"}},
		{"(?=.*Johnny)(?=.*John)", []string{"u1"}},
		{"channel: discord", []string{"c1"}},
		{"^Mode: Linked$", []string{"c1"}},
		{"^Mode: Unlinked$", []string{"g1", "u1"}},
		{"wx_johnny", []string{"u1"}},
		{"Notification: mention", []string{"c1"}},
		{"nothing-matches-this", nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			if err != nil {
				t.Fatalf("Compile(%q): %v", tt.pattern, err)
			}
			got := ids(slices.Collect(Chats(p, testChats(), linked)))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Chats(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestChatsRestartableAndLazy(t *testing.T) {
	p, _ := Compile("WeChat")
	seq := Chats(p, testChats(), nil)

	first := ids(slices.Collect(seq))
	second := ids(slices.Collect(seq))
	if !slices.Equal(first, second) {
		t.Errorf("second pass = %v, want %v", second, first)
	}

	n := 0
	for range seq {
		n++
		break
	}
	if n != 1 {
		t.Errorf("early break yielded %d items", n)
	}
}

func TestCompileInvalid(t *testing.T) {
	if _, err := Compile("(unclosed"); err == nil {
		t.Error("Compile(\"(unclosed\") succeeded, want error")
	}
}

func TestRenderFieldOrder(t *testing.T) {
	c := testChats()[1]
	want := "Channel: WeChat\n" +
		"Channel ID: blueset.wechat\n" +
		"Name: John\n" +
		"Alias: Johnny\n" +
		"ID: u1\n" +
		"Type: User\n" +
		"Mode: Unlinked\n" +
		"Description: \n" +
		"Notification: \n" +
		"Other: wxid: wx_johnny\n"
	if got := Render(c, false); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}
