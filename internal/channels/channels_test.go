package channels

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

func TestCapabilitiesAcceptsReaction(t *testing.T) {
	tests := []struct {
		caps Capabilities
		r    string
		want bool
	}{
		{Capabilities{}, "👍", true},
		{Capabilities{AcceptedReactions: []string{"👍", "❤️"}}, "👍", true},
		{Capabilities{AcceptedReactions: []string{"👍", "❤️"}}, "😂", false},
		{Capabilities{AcceptedReactions: []string{}}, "👍", false},
	}
	for _, tt := range tests {
		if got := tt.caps.AcceptsReaction(tt.r); got != tt.want {
			t.Errorf("AcceptsReaction(%v, %q) = %v, want %v", tt.caps.AcceptedReactions, tt.r, got, tt.want)
		}
	}
}

type stubRemote struct{ id string }

func (s stubRemote) ID() string   { return s.id }
func (s stubRemote) Name() string { return "Stub" }
func (s stubRemote) Send(context.Context, chat.Key, Content, string) (string, error) {
	return "1", nil
}
func (s stubRemote) Edit(context.Context, chat.Key, string, Content) error        { return nil }
func (s stubRemote) Delete(context.Context, chat.Key, string) error               { return nil }
func (s stubRemote) React(context.Context, chat.Key, string, string, bool) error  { return nil }
func (s stubRemote) Capabilities(chat.Key) Capabilities                          { return Capabilities{} }
func (s stubRemote) ListChats(context.Context) ([]chat.RemoteChat, error)         { return nil, nil }

func TestManagerRegistry(t *testing.T) {
	m := NewManager()
	m.Register(stubRemote{id: "b"})
	m.Register(stubRemote{id: "a"})

	if ids := m.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs = %v, want [a b]", ids)
	}
	if _, ok := m.Remote("a"); !ok {
		t.Error("Remote(a) not found")
	}
	m.Unregister("a")
	if _, err := m.MustRemote("a"); err == nil {
		t.Error("MustRemote(a) after Unregister succeeded")
	}
}

func TestKeyedLimiterBounded(t *testing.T) {
	l := NewKeyedLimiter(1, 1)
	for i := 0; i < maxTrackedKeys+10; i++ {
		l.Allow(fmt.Sprintf("k%d", i))
	}
	if n := l.Len(); n > maxTrackedKeys {
		t.Errorf("Len = %d, want <= %d", n, maxTrackedKeys)
	}
}

func TestKeyedLimiterPerKey(t *testing.T) {
	l := NewKeyedLimiter(0.001, 1)
	if !l.Allow("a") {
		t.Fatal("first Allow(a) denied")
	}
	if l.Allow("a") {
		t.Error("second Allow(a) allowed within burst")
	}
	if !l.Allow("b") {
		t.Error("Allow(b) denied by a's bucket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "a"); err == nil {
		t.Error("Wait(a) returned before the bucket refilled")
	}
}

func TestKeyedLimiterDisabled(t *testing.T) {
	l := NewKeyedLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatalf("Allow #%d denied with pacing disabled", i)
		}
	}
}
