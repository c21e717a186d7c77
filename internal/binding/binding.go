// Package binding is the single source of truth for links between remote chats
// and front-end contexts.
//
// Reads are served from immutable per-context snapshots and a reverse index
// held in sync.Maps. Writes are serialized per context id and per remote chat
// through a keylock.Map, so traffic on unrelated chats never contends. Every
// mutation is written through to the persistent LinkStore before the in-memory
// view changes.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/keylock"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Link is one context's binding row.
type Link struct {
	Context chat.FrontendContext
	Multi   bool
	Chats   []chat.Key
}

// Option tunes a Link call.
type Option func(*linkOptions)

type linkOptions struct {
	replace bool
	multi   bool
}

// Replace moves the chat away from any context it is currently linked to
// instead of failing with ErrAlreadyLinkedElsewhere.
func Replace() Option { return func(o *linkOptions) { o.replace = true } }

// Multi switches the target context to multi-binding mode as part of the link.
func Multi() Option { return func(o *linkOptions) { o.multi = true } }

// Store holds the binding table.
type Store struct {
	backend store.LinkStore // nil: memory only

	locks    keylock.Map
	contexts sync.Map // int64 → *Link (never mutated after publish)
	reverse  sync.Map // chat.Key → chat.FrontendContext

	allowMulti atomic.Bool
}

// New creates a Store. backend may be nil. allowMulti is the global switch
// gating multi-binding mode.
func New(backend store.LinkStore, allowMulti bool) *Store {
	s := &Store{backend: backend}
	s.allowMulti.Store(allowMulti)
	return s
}

// SetMultiAllowed flips the global multi-binding switch. Contexts already in
// multi mode keep their bindings.
func (s *Store) SetMultiAllowed(v bool) { s.allowMulti.Store(v) }

// MultiAllowed reports the global multi-binding switch.
func (s *Store) MultiAllowed() bool { return s.allowMulti.Load() }

// Load replaces the in-memory view with the persisted table.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	rows, err := s.backend.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	for _, row := range rows {
		l := &Link{
			Context: chat.FrontendContext{ID: row.ContextID, Kind: chat.ContextKind(row.ContextKind)},
			Multi:   row.MultiBinding,
		}
		for _, raw := range row.RemoteChats {
			k, err := chat.ParseKey(raw)
			if err != nil {
				slog.Warn("binding: skipping malformed remote chat", "context_id", row.ContextID, "value", raw)
				continue
			}
			l.Chats = append(l.Chats, k)
			s.reverse.Store(k, l.Context)
		}
		s.contexts.Store(row.ContextID, l)
	}
	slog.Info("binding table loaded", "contexts", len(rows))
	return nil
}

// Link binds r to fc. Re-linking an existing pair is a no-op.
func (s *Store) Link(ctx context.Context, fc chat.FrontendContext, r chat.Key, opts ...Option) error {
	var o linkOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.multi && !s.allowMulti.Load() {
		return &LinkError{Context: fc, Chat: r, Err: fmt.Errorf("%w: multi-binding is disabled", ErrModeViolation)}
	}

	for {
		prior, hadPrior := s.ResolveContext(r)
		keys := []string{ctxLockKey(fc.ID), chatLockKey(r)}
		if hadPrior {
			keys = append(keys, ctxLockKey(prior.ID))
		}
		unlock := s.locks.LockAll(keys...)

		// The reverse index may have moved between the read and the lock.
		now, hasNow := s.ResolveContext(r)
		if hasNow != hadPrior || now.ID != prior.ID {
			unlock()
			continue
		}

		err := s.linkLocked(ctx, fc, r, prior, hadPrior, o)
		unlock()
		return err
	}
}

func (s *Store) linkLocked(ctx context.Context, fc chat.FrontendContext, r chat.Key, prior chat.FrontendContext, hadPrior bool, o linkOptions) error {
	cur := s.snapshot(fc.ID)

	if hadPrior && prior.ID == fc.ID {
		if o.multi && !cur.Multi {
			return s.publish(ctx, withMode(cur, true))
		}
		return nil
	}

	multi := cur.Multi || o.multi
	if !multi && len(cur.Chats) > 0 {
		return &LinkError{Context: fc, Chat: r, Bound: slices.Clone(cur.Chats), Err: ErrModeViolation}
	}

	if hadPrior {
		if !o.replace {
			return &LinkError{Context: fc, Chat: r, Prior: prior, Err: ErrAlreadyLinkedElsewhere}
		}
		old := s.snapshot(prior.ID)
		if err := s.publish(ctx, without(old, r)); err != nil {
			return err
		}
		slog.Info("binding: chat moved", "chat", r.String(), "from_context", prior.ID, "to_context", fc.ID)
	}

	next := &Link{Context: fc, Multi: multi, Chats: append(slices.Clone(cur.Chats), r)}
	if err := s.publish(ctx, next); err != nil {
		return err
	}
	slog.Info("binding: linked", "context_id", fc.ID, "chat", r.String(), "multi", multi)
	return nil
}

// SetMode switches a context between single- and multi-binding mode.
// Switching to single mode fails while more than one chat is bound.
func (s *Store) SetMode(ctx context.Context, fc chat.FrontendContext, multi bool) error {
	if multi && !s.allowMulti.Load() {
		return fmt.Errorf("%w: multi-binding is disabled", ErrModeViolation)
	}
	unlock := s.locks.Lock(ctxLockKey(fc.ID))
	defer unlock()

	cur := s.snapshot(fc.ID)
	if cur.Multi == multi {
		return nil
	}
	if !multi && len(cur.Chats) > 1 {
		return &LinkError{Context: fc, Bound: slices.Clone(cur.Chats), Err: ErrModeViolation}
	}
	next := withMode(cur, multi)
	next.Context = fc
	return s.publish(ctx, next)
}

// Unlink removes the pair. Unlinking a pair that does not exist is a no-op.
func (s *Store) Unlink(ctx context.Context, fc chat.FrontendContext, r chat.Key) error {
	unlock := s.locks.LockAll(ctxLockKey(fc.ID), chatLockKey(r))
	defer unlock()

	if bound, ok := s.ResolveContext(r); !ok || bound.ID != fc.ID {
		return nil
	}
	if err := s.publish(ctx, without(s.snapshot(fc.ID), r)); err != nil {
		return err
	}
	slog.Info("binding: unlinked", "context_id", fc.ID, "chat", r.String())
	return nil
}

// UnlinkAll removes every binding of fc and returns how many were removed.
// The context keeps its binding mode.
func (s *Store) UnlinkAll(ctx context.Context, fc chat.FrontendContext) (int, error) {
	for {
		cur := s.snapshot(fc.ID)
		keys := []string{ctxLockKey(fc.ID)}
		for _, k := range cur.Chats {
			keys = append(keys, chatLockKey(k))
		}
		unlock := s.locks.LockAll(keys...)

		locked := s.snapshot(fc.ID)
		if !slices.Equal(locked.Chats, cur.Chats) {
			unlock()
			continue
		}
		if len(locked.Chats) == 0 {
			unlock()
			return 0, nil
		}

		err := s.publish(ctx, &Link{Context: locked.Context, Multi: locked.Multi})
		unlock()
		if err != nil {
			return 0, err
		}
		slog.Info("binding: unlinked all", "context_id", fc.ID, "count", len(locked.Chats))
		return len(locked.Chats), nil
	}
}

// ResolveContext returns the context r is bound to.
func (s *Store) ResolveContext(r chat.Key) (chat.FrontendContext, bool) {
	v, ok := s.reverse.Load(r)
	if !ok {
		return chat.FrontendContext{}, false
	}
	return v.(chat.FrontendContext), true
}

// ResolveBindings returns the chats bound to a context, in link order.
func (s *Store) ResolveBindings(contextID int64) []chat.Key {
	return slices.Clone(s.snapshot(contextID).Chats)
}

// IsMulti reports whether the context is in multi-binding mode.
func (s *Store) IsMulti(contextID int64) bool {
	return s.snapshot(contextID).Multi
}

// IsLinked reports whether r is bound to any context.
func (s *Store) IsLinked(r chat.Key) bool {
	_, ok := s.reverse.Load(r)
	return ok
}

// Links returns every non-empty binding row, ordered by context id.
func (s *Store) Links() []Link {
	var out []Link
	s.contexts.Range(func(_, v any) bool {
		l := v.(*Link)
		if len(l.Chats) > 0 {
			out = append(out, Link{Context: l.Context, Multi: l.Multi, Chats: slices.Clone(l.Chats)})
		}
		return true
	})
	slices.SortFunc(out, func(a, b Link) int {
		switch {
		case a.Context.ID < b.Context.ID:
			return -1
		case a.Context.ID > b.Context.ID:
			return 1
		}
		return 0
	})
	return out
}

// snapshot returns the current row for a context, or an empty single-mode row.
func (s *Store) snapshot(contextID int64) *Link {
	if v, ok := s.contexts.Load(contextID); ok {
		return v.(*Link)
	}
	return &Link{Context: chat.FrontendContext{ID: contextID, Kind: chat.ContextPrivate}}
}

// publish persists l and then swaps it into memory, updating the reverse index.
// Callers must hold the context lock and the lock of every chat that changes.
func (s *Store) publish(ctx context.Context, l *Link) error {
	if s.backend != nil {
		row := store.LinkData{
			ContextID:    l.Context.ID,
			ContextKind:  string(l.Context.Kind),
			MultiBinding: l.Multi,
		}
		for _, k := range l.Chats {
			row.RemoteChats = append(row.RemoteChats, k.String())
		}
		if err := s.backend.PutLink(ctx, row); err != nil {
			return fmt.Errorf("persist link %d: %w", l.Context.ID, err)
		}
	}

	old := s.snapshot(l.Context.ID)
	for _, k := range old.Chats {
		if !slices.Contains(l.Chats, k) {
			s.reverse.Delete(k)
		}
	}
	for _, k := range l.Chats {
		s.reverse.Store(k, l.Context)
	}
	if len(l.Chats) == 0 && !l.Multi {
		s.contexts.Delete(l.Context.ID)
	} else {
		s.contexts.Store(l.Context.ID, l)
	}
	return nil
}

func without(l *Link, r chat.Key) *Link {
	next := &Link{Context: l.Context, Multi: l.Multi}
	for _, k := range l.Chats {
		if k != r {
			next.Chats = append(next.Chats, k)
		}
	}
	return next
}

func withMode(l *Link, multi bool) *Link {
	return &Link{Context: l.Context, Multi: multi, Chats: slices.Clone(l.Chats)}
}

func ctxLockKey(id int64) string { return "ctx:" + strconv.FormatInt(id, 10) }

func chatLockKey(k chat.Key) string { return "chat:" + k.String() }
