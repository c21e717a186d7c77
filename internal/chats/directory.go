// Package chats keeps the directory of known remote chats: their metadata in
// first-seen order, refreshed from the remote channels on demand.
package chats

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/filter"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Source enumerates remote channels. *channels.Manager implements it.
type Source interface {
	IDs() []string
	Remote(id string) (channels.RemoteChannel, bool)
}

// Directory is safe for concurrent use.
type Directory struct {
	store  store.ChatStore // nil: memory only
	source Source
	group  singleflight.Group

	mu    sync.RWMutex
	order []chat.Key
	chats map[chat.Key]chat.RemoteChat
}

// New creates a Directory. Both arguments may be nil.
func New(st store.ChatStore, source Source) *Directory {
	return &Directory{
		store:  st,
		source: source,
		chats:  make(map[chat.Key]chat.RemoteChat),
	}
}

// Load fills the directory from the persistent store.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	list, err := d.store.ListChats(ctx, "")
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range list {
		d.putLocked(c)
	}
	return nil
}

// Refresh re-reads one channel's chats. Concurrent refreshes of the same
// channel share a single ListChats call.
func (d *Directory) Refresh(ctx context.Context, channelID string) error {
	if d.source == nil {
		return nil
	}
	_, err, shared := d.group.Do(channelID, func() (any, error) {
		ch, ok := d.source.Remote(channelID)
		if !ok {
			return nil, fmt.Errorf("channel %s not found", channelID)
		}
		list, err := ch.ListChats(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chats of %s: %w", channelID, err)
		}
		for _, c := range list {
			if c.ChannelName == "" {
				c.ChannelName = ch.Name()
			}
			if err := d.Upsert(ctx, c); err != nil {
				return nil, err
			}
		}
		slog.Debug("chat directory refreshed", "channel", channelID, "chats", len(list))
		return nil, nil
	})
	if shared {
		slog.Debug("chat directory refresh shared", "channel", channelID)
	}
	return err
}

// RefreshAll refreshes every channel; a failing channel is logged and skipped.
func (d *Directory) RefreshAll(ctx context.Context) {
	if d.source == nil {
		return
	}
	for _, id := range d.source.IDs() {
		if err := d.Refresh(ctx, id); err != nil {
			slog.Warn("chat directory refresh failed", "channel", id, "error", err)
		}
	}
}

// Upsert records c, keeping its first-seen position.
func (d *Directory) Upsert(ctx context.Context, c chat.RemoteChat) error {
	if d.store != nil {
		if err := d.store.UpsertChat(ctx, c); err != nil {
			return fmt.Errorf("persist chat %s: %w", c.Key, err)
		}
	}
	d.mu.Lock()
	d.putLocked(c)
	d.mu.Unlock()
	return nil
}

func (d *Directory) putLocked(c chat.RemoteChat) {
	if _, ok := d.chats[c.Key]; !ok {
		d.order = append(d.order, c.Key)
	}
	d.chats[c.Key] = c
}

// Lookup returns a chat's metadata.
func (d *Directory) Lookup(key chat.Key) (chat.RemoteChat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chats[key]
	return c, ok
}

// List returns all chats in first-seen order.
func (d *Directory) List() []chat.RemoteChat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.RemoteChat, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.chats[k])
	}
	return out
}

// Len returns the number of known chats.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Search lazily yields the chats matching p over a snapshot of the directory.
func (d *Directory) Search(p *filter.Pattern, linked func(chat.Key) bool) iter.Seq[chat.RemoteChat] {
	return filter.Chats(p, d.List(), linked)
}

// Channels returns the distinct channel ids present in the directory, sorted.
func (d *Directory) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for _, k := range d.order {
		if !slices.Contains(ids, k.ChannelID) {
			ids = append(ids, k.ChannelID)
		}
	}
	slices.Sort(ids)
	return ids
}
