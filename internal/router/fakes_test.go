package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

type sent struct {
	ContextID int64
	Text      string
	ReplyTo   int
}

type fakeFrontend struct {
	mu      sync.Mutex
	next    int
	sent    []sent
	edits   map[int]string
	deleted []int
	reacts  map[int]string
	failAll error
	// slowFirst delays the first Send, outside the lock.
	slowFirst time.Duration
	slowed    bool
}

func newFakeFrontend() *fakeFrontend {
	return &fakeFrontend{next: 1000, edits: map[int]string{}, reacts: map[int]string{}}
}

func (f *fakeFrontend) Send(_ context.Context, contextID int64, c channels.Content, replyTo int) (int, error) {
	f.mu.Lock()
	if f.slowFirst > 0 && !f.slowed {
		f.slowed = true
		f.mu.Unlock()
		time.Sleep(f.slowFirst)
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	if f.failAll != nil {
		return 0, f.failAll
	}
	f.next++
	f.sent = append(f.sent, sent{ContextID: contextID, Text: c.Text, ReplyTo: replyTo})
	return f.next, nil
}

func (f *fakeFrontend) Edit(_ context.Context, _ int64, msgID int, c channels.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[msgID] = c.Text
	return nil
}

func (f *fakeFrontend) Delete(_ context.Context, _ int64, msgID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeFrontend) React(_ context.Context, _ int64, msgID int, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts[msgID] = reaction
	return nil
}

func (f *fakeFrontend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type remoteSend struct {
	Chat    chat.Key
	Text    string
	ReplyTo string
}

type fakeRemote struct {
	id   string
	caps channels.Capabilities

	mu       sync.Mutex
	next     int
	sent     []remoteSend
	edits    map[string]string
	deleted  []string
	reacts   map[string]string
	failSend error
}

func newFakeRemote(id string, caps channels.Capabilities) *fakeRemote {
	return &fakeRemote{id: id, caps: caps, edits: map[string]string{}, reacts: map[string]string{}}
}

func (f *fakeRemote) ID() string   { return f.id }
func (f *fakeRemote) Name() string { return "Fake" }

func (f *fakeRemote) Send(_ context.Context, key chat.Key, c channels.Content, replyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return "", f.failSend
	}
	f.next++
	f.sent = append(f.sent, remoteSend{Chat: key, Text: c.Text, ReplyTo: replyTo})
	return fmt.Sprintf("rm-%d", f.next), nil
}

func (f *fakeRemote) Edit(_ context.Context, _ chat.Key, msgID string, c channels.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.SupportsEdit {
		return channels.ErrUnsupported
	}
	f.edits[msgID] = c.Text
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, _ chat.Key, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.SupportsDelete {
		return errors.New("delete called on a chat without delete support")
	}
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeRemote) React(_ context.Context, _ chat.Key, msgID, reaction string, remove bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remove {
		delete(f.reacts, msgID)
		return nil
	}
	f.reacts[msgID] = reaction
	return nil
}

func (f *fakeRemote) Capabilities(chat.Key) channels.Capabilities { return f.caps }

func (f *fakeRemote) ListChats(context.Context) ([]chat.RemoteChat, error) { return nil, nil }

func (f *fakeRemote) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDirectory map[chat.Key]chat.RemoteChat

func (d fakeDirectory) Lookup(k chat.Key) (chat.RemoteChat, bool) {
	c, ok := d[k]
	return c, ok
}
