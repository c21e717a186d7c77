package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

var (
	ctxA = chat.FrontendContext{ID: 100, Kind: chat.ContextGroup}
	ctxB = chat.FrontendContext{ID: 200, Kind: chat.ContextGroup}
	r1   = chat.Key{ChannelID: "wechat", ChatID: "r1"}
	r2   = chat.Key{ChannelID: "wechat", ChatID: "r2"}
)

// memLinks is an in-memory store.LinkStore.
type memLinks struct {
	mu   sync.Mutex
	rows map[int64]store.LinkData
	fail error
}

func newMemLinks() *memLinks { return &memLinks{rows: make(map[int64]store.LinkData)} }

func (m *memLinks) ListLinks(context.Context) ([]store.LinkData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LinkData
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

func (m *memLinks) PutLink(_ context.Context, l store.LinkData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if len(l.RemoteChats) == 0 && !l.MultiBinding {
		delete(m.rows, l.ContextID)
		return nil
	}
	m.rows[l.ContextID] = l
	return nil
}

func (m *memLinks) DeleteLink(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memLinks) LookupContext(_ context.Context, remote string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rows {
		for _, c := range r.RemoteChats {
			if c == remote {
				return id, true, nil
			}
		}
	}
	return 0, false, nil
}

func TestLinkResolveUnlink(t *testing.T) {
	ctx := context.Background()
	s := New(newMemLinks(), false)

	if err := s.Link(ctx, ctxA, r1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	got, ok := s.ResolveContext(r1)
	if !ok || got.ID != ctxA.ID {
		t.Fatalf("ResolveContext = %v, %v; want %d", got, ok, ctxA.ID)
	}
	if b := s.ResolveBindings(ctxA.ID); len(b) != 1 || b[0] != r1 {
		t.Errorf("ResolveBindings = %v", b)
	}

	if err := s.Unlink(ctx, ctxA, r1); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, ok := s.ResolveContext(r1); ok {
		t.Error("ResolveContext after Unlink still resolves")
	}
	// Unlinking again is harmless.
	if err := s.Unlink(ctx, ctxA, r1); err != nil {
		t.Errorf("second Unlink: %v", err)
	}
}

func TestLinkIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(nil, false)
	for i := 0; i < 3; i++ {
		if err := s.Link(ctx, ctxA, r1); err != nil {
			t.Fatalf("Link #%d: %v", i, err)
		}
	}
	if b := s.ResolveBindings(ctxA.ID); len(b) != 1 {
		t.Errorf("ResolveBindings = %v, want one entry", b)
	}
}

func TestSingleModeViolation(t *testing.T) {
	ctx := context.Background()
	s := New(nil, true)

	if err := s.Link(ctx, ctxA, r1); err != nil {
		t.Fatalf("Link r1: %v", err)
	}
	err := s.Link(ctx, ctxA, r2)
	if !errors.Is(err, ErrModeViolation) {
		t.Fatalf("Link r2 = %v, want ErrModeViolation", err)
	}
	var le *LinkError
	if !errors.As(err, &le) || len(le.Bound) != 1 || le.Bound[0] != r1 {
		t.Errorf("LinkError = %+v", le)
	}

	if err := s.SetMode(ctx, ctxA, true); err != nil {
		t.Fatalf("SetMode multi: %v", err)
	}
	if err := s.Link(ctx, ctxA, r2); err != nil {
		t.Fatalf("Link r2 in multi mode: %v", err)
	}
	if b := s.ResolveBindings(ctxA.ID); len(b) != 2 {
		t.Errorf("ResolveBindings = %v, want 2", b)
	}

	if err := s.SetMode(ctx, ctxA, false); !errors.Is(err, ErrModeViolation) {
		t.Errorf("SetMode single with 2 bindings = %v, want ErrModeViolation", err)
	}
}

func TestMultiGatedByGlobalSwitch(t *testing.T) {
	ctx := context.Background()
	s := New(nil, false)

	if err := s.SetMode(ctx, ctxA, true); !errors.Is(err, ErrModeViolation) {
		t.Errorf("SetMode multi with switch off = %v, want ErrModeViolation", err)
	}
	if err := s.Link(ctx, ctxA, r1, Multi()); !errors.Is(err, ErrModeViolation) {
		t.Errorf("Link(Multi) with switch off = %v, want ErrModeViolation", err)
	}

	s.SetMultiAllowed(true)
	if err := s.Link(ctx, ctxA, r1, Multi()); err != nil {
		t.Fatalf("Link(Multi): %v", err)
	}
	if !s.IsMulti(ctxA.ID) {
		t.Error("context not in multi mode after Link(Multi)")
	}
}

func TestAlreadyLinkedElsewhere(t *testing.T) {
	ctx := context.Background()
	s := New(nil, false)

	if err := s.Link(ctx, ctxA, r1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	err := s.Link(ctx, ctxB, r1)
	if !errors.Is(err, ErrAlreadyLinkedElsewhere) {
		t.Fatalf("Link elsewhere = %v, want ErrAlreadyLinkedElsewhere", err)
	}
	var le *LinkError
	if !errors.As(err, &le) || le.Prior.ID != ctxA.ID {
		t.Errorf("Prior = %+v, want %d", le, ctxA.ID)
	}

	if err := s.Link(ctx, ctxB, r1, Replace()); err != nil {
		t.Fatalf("Link(Replace): %v", err)
	}
	if got, _ := s.ResolveContext(r1); got.ID != ctxB.ID {
		t.Errorf("ResolveContext = %d, want %d", got.ID, ctxB.ID)
	}
	if b := s.ResolveBindings(ctxA.ID); len(b) != 0 {
		t.Errorf("prior context still bound: %v", b)
	}
}

func TestUnlinkAll(t *testing.T) {
	ctx := context.Background()
	s := New(nil, true)
	if err := s.SetMode(ctx, ctxA, true); err != nil {
		t.Fatal(err)
	}
	for _, r := range []chat.Key{r1, r2} {
		if err := s.Link(ctx, ctxA, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.UnlinkAll(ctx, ctxA)
	if err != nil || n != 2 {
		t.Fatalf("UnlinkAll = %d, %v; want 2", n, err)
	}
	if s.IsLinked(r1) || s.IsLinked(r2) {
		t.Error("chats still linked after UnlinkAll")
	}
	if n, _ := s.UnlinkAll(ctx, ctxA); n != 0 {
		t.Errorf("second UnlinkAll = %d, want 0", n)
	}
}

func TestPersistFailureLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := newMemLinks()
	s := New(backend, false)

	backend.fail = errors.New("disk full")
	if err := s.Link(ctx, ctxA, r1); err == nil {
		t.Fatal("Link succeeded with failing backend")
	}
	if s.IsLinked(r1) {
		t.Error("memory changed despite persist failure")
	}
}

func TestLoadRestoresTable(t *testing.T) {
	ctx := context.Background()
	backend := newMemLinks()
	s := New(backend, true)
	if err := s.Link(ctx, ctxA, r1, Multi()); err != nil {
		t.Fatal(err)
	}
	if err := s.Link(ctx, ctxA, r2); err != nil {
		t.Fatal(err)
	}

	reloaded := New(backend, true)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, ok := reloaded.ResolveContext(r2); !ok || got.ID != ctxA.ID {
		t.Errorf("ResolveContext after Load = %v, %v", got, ok)
	}
	if !reloaded.IsMulti(ctxA.ID) {
		t.Error("mode lost across Load")
	}
	if links := reloaded.Links(); len(links) != 1 || len(links[0].Chats) != 2 {
		t.Errorf("Links = %+v", links)
	}
}

func TestConcurrentLinkOneWinner(t *testing.T) {
	ctx := context.Background()
	s := New(newMemLinks(), false)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fc := chat.FrontendContext{ID: int64(1000 + i), Kind: chat.ContextGroup}
			errs[i] = s.Link(ctx, fc, r1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrAlreadyLinkedElsewhere):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestConcurrentUnrelatedContexts(t *testing.T) {
	ctx := context.Background()
	s := New(nil, false)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fc := chat.FrontendContext{ID: int64(i), Kind: chat.ContextPrivate}
			r := chat.Key{ChannelID: "wechat", ChatID: fmt.Sprintf("c%d", i)}
			if err := s.Link(ctx, fc, r); err != nil {
				t.Errorf("Link %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if got := len(s.Links()); got != 64 {
		t.Errorf("Links = %d, want 64", got)
	}
}
