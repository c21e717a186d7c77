// Package ledger maps front-end message ids to remote message ids and back, so
// that edits, deletions and reactions on one side can be replayed on the other.
//
// Each front-end context keeps at most MaxPerContext entries in an LRU cache.
// Entries pushed out of the cache become tombstones: later lookups report
// ErrEvicted instead of ErrNotTracked.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/keylock"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

var (
	// ErrNotTracked means the message never went through the bridge.
	ErrNotTracked = errors.New("message not tracked")
	// ErrEvicted means the message was tracked but its entry has been dropped.
	ErrEvicted = errors.New("message tracking expired")
)

// Direction is the side a message came from.
type Direction string

const (
	Inbound  Direction = "inbound"  // remote → front-end
	Outbound Direction = "outbound" // front-end → remote
)

// FrontendRef names a message in a front-end context.
type FrontendRef struct {
	ContextID int64
	MessageID int
}

// RemoteRef names a message in a remote chat.
type RemoteRef struct {
	Chat      chat.Key
	MessageID string
}

// Entry is one cross-reference.
type Entry struct {
	Frontend  FrontendRef
	Remote    RemoteRef
	Author    string
	Direction Direction
	CreatedAt time.Time
}

// DefaultMaxPerContext is used when New is given a negative cap.
const DefaultMaxPerContext = 10000

type contextCache struct {
	entries *lru.Cache[int, Entry]

	mu      sync.Mutex
	evicted []Entry
}

// Ledger is safe for concurrent use.
type Ledger struct {
	backend store.MessageStore // nil: memory only
	max     int

	locks      keylock.Map
	mu         sync.Mutex
	contexts   map[int64]*contextCache
	reverse    sync.Map // RemoteRef → FrontendRef
	tombstones sync.Map // FrontendRef or RemoteRef → struct{}; memory-only mode
}

// New creates a Ledger. maxPerContext 0 disables eviction; a negative value
// selects DefaultMaxPerContext.
func New(backend store.MessageStore, maxPerContext int) *Ledger {
	switch {
	case maxPerContext < 0:
		maxPerContext = DefaultMaxPerContext
	case maxPerContext == 0:
		maxPerContext = math.MaxInt32
	}
	return &Ledger{
		backend:  backend,
		max:      maxPerContext,
		contexts: make(map[int64]*contextCache),
	}
}

func (l *Ledger) cache(contextID int64) *contextCache {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.contexts[contextID]; ok {
		return c
	}
	c := &contextCache{}
	// NewWithEvict only fails for a non-positive size.
	c.entries, _ = lru.NewWithEvict(l.max, func(_ int, e Entry) {
		c.mu.Lock()
		c.evicted = append(c.evicted, e)
		c.mu.Unlock()
	})
	l.contexts[contextID] = c
	return c
}

// Record stores a cross-reference. The in-memory view is updated even when
// persisting fails; the error is still returned so the caller can log it or
// halt on a fatal store error.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	unlock := l.locks.LockAll(frontendKey(e.Frontend), remoteKey(e.Remote))
	defer unlock()

	l.remember(ctx, e)

	if l.backend == nil {
		return nil
	}
	err := l.backend.PutMessage(ctx, &store.MessageData{
		ContextID:     e.Frontend.ContextID,
		FrontendMsgID: e.Frontend.MessageID,
		RemoteChat:    e.Remote.Chat.String(),
		RemoteMsgID:   e.Remote.MessageID,
		Direction:     string(e.Direction),
		Author:        e.Author,
		CreatedAt:     e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("persist message ref: %w", err)
	}
	return nil
}

// remember puts e in the context cache and settles whatever the insert evicted.
func (l *Ledger) remember(ctx context.Context, e Entry) {
	l.tombstones.Delete(e.Frontend)
	l.tombstones.Delete(e.Remote)

	c := l.cache(e.Frontend.ContextID)
	if prev, ok := c.entries.Peek(e.Frontend.MessageID); ok && prev.Remote != e.Remote {
		l.reverse.Delete(prev.Remote)
	}
	c.entries.Add(e.Frontend.MessageID, e)
	l.reverse.Store(e.Remote, e.Frontend)

	c.mu.Lock()
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()

	for _, old := range evicted {
		if cur, ok := l.reverse.Load(old.Remote); ok && cur.(FrontendRef) == old.Frontend {
			l.reverse.Delete(old.Remote)
		}
		if l.backend == nil {
			l.tombstones.Store(old.Frontend, struct{}{})
			l.tombstones.Store(old.Remote, struct{}{})
			continue
		}
		if err := l.backend.MarkEvicted(ctx, old.Frontend.ContextID, old.Frontend.MessageID); err != nil {
			slog.Warn("ledger: failed to mark evicted", "context_id", old.Frontend.ContextID,
				"msg_id", old.Frontend.MessageID, "error", err)
		}
	}
	if len(evicted) > 0 {
		slog.Debug("ledger: evicted entries", "context_id", e.Frontend.ContextID, "count", len(evicted))
	}
}

// LookupByFrontend returns the entry for a front-end message.
func (l *Ledger) LookupByFrontend(ctx context.Context, f FrontendRef) (Entry, error) {
	if e, ok := l.cache(f.ContextID).entries.Get(f.MessageID); ok {
		return e, nil
	}
	if _, ok := l.tombstones.Load(f); ok {
		return Entry{}, ErrEvicted
	}
	if l.backend == nil {
		return Entry{}, ErrNotTracked
	}
	row, err := l.backend.GetByFrontend(ctx, f.ContextID, f.MessageID)
	if err != nil {
		return Entry{}, fmt.Errorf("lookup message ref: %w", err)
	}
	return l.fromRow(ctx, row)
}

// LookupByRemote returns the entry for a remote message.
func (l *Ledger) LookupByRemote(ctx context.Context, r RemoteRef) (Entry, error) {
	if v, ok := l.reverse.Load(r); ok {
		f := v.(FrontendRef)
		if e, ok := l.cache(f.ContextID).entries.Get(f.MessageID); ok && e.Remote == r {
			return e, nil
		}
	}
	if _, ok := l.tombstones.Load(r); ok {
		return Entry{}, ErrEvicted
	}
	if l.backend == nil {
		return Entry{}, ErrNotTracked
	}
	row, err := l.backend.GetByRemote(ctx, r.Chat.String(), r.MessageID)
	if err != nil {
		return Entry{}, fmt.Errorf("lookup message ref: %w", err)
	}
	return l.fromRow(ctx, row)
}

// fromRow converts a persisted row and pulls it back into the cache, so rows
// written before a restart take part in eviction again.
func (l *Ledger) fromRow(ctx context.Context, row *store.MessageData) (Entry, error) {
	if row == nil {
		return Entry{}, ErrNotTracked
	}
	if row.Evicted {
		return Entry{}, ErrEvicted
	}
	key, err := chat.ParseKey(row.RemoteChat)
	if err != nil {
		return Entry{}, store.Fatal("decode message ref", err)
	}
	e := Entry{
		Frontend:  FrontendRef{ContextID: row.ContextID, MessageID: row.FrontendMsgID},
		Remote:    RemoteRef{Chat: key, MessageID: row.RemoteMsgID},
		Author:    row.Author,
		Direction: Direction(row.Direction),
		CreatedAt: row.CreatedAt,
	}
	unlock := l.locks.LockAll(frontendKey(e.Frontend), remoteKey(e.Remote))
	l.remember(ctx, e)
	unlock()
	return e, nil
}

// Len returns the number of cached entries for a context.
func (l *Ledger) Len(contextID int64) int {
	return l.cache(contextID).entries.Len()
}

func frontendKey(f FrontendRef) string {
	return "f:" + strconv.FormatInt(f.ContextID, 10) + ":" + strconv.Itoa(f.MessageID)
}

func remoteKey(r RemoteRef) string {
	return "r:" + r.Chat.String() + ":" + r.MessageID
}
