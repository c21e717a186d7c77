package linking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/tracker"
)

var (
	admin   int64 = 42
	group1        = chat.FrontendContext{ID: -1001, Kind: chat.ContextGroup}
	group2        = chat.FrontendContext{ID: -1002, Kind: chat.ContextGroup}
	remoteA       = chat.Key{ChannelID: "wechat", ChatID: "a"}
	remoteB       = chat.Key{ChannelID: "wechat", ChatID: "b"}
)

type staticAdmins []chat.FrontendContext

func (s staticAdmins) AdminContexts(context.Context, int64) ([]chat.FrontendContext, error) {
	return s, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newMachine(t *testing.T) (*Machine, *binding.Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	b := binding.New(nil, true)
	m := New(Config{
		Bindings: b,
		Admins:   staticAdmins{group1, group2},
		Ledger:   ledger.New(nil, 0),
		CodeTTL:  10 * time.Minute,
		Now:      clock.now,
	})
	return m, b, clock
}

func TestGuidedBind(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newMachine(t)

	if st := m.State(remoteA); st != StateUnbound {
		t.Fatalf("State = %s, want unbound", st)
	}
	s, err := m.StartGuided(ctx, admin, remoteA)
	if err != nil {
		t.Fatalf("StartGuided: %v", err)
	}
	if len(s.Candidates) != 2 || m.State(remoteA) != StatePendingGuidedBind {
		t.Fatalf("session = %+v, state = %s", s, m.State(remoteA))
	}

	done, err := m.ConfirmGuided(ctx, s.ID, group1)
	if err != nil {
		t.Fatalf("ConfirmGuided: %v", err)
	}
	if done.State != StateBound || m.State(remoteA) != StateBound {
		t.Errorf("state after confirm = %s / %s", done.State, m.State(remoteA))
	}
	if got, _ := b.ResolveContext(remoteA); got.ID != group1.ID {
		t.Errorf("ResolveContext = %d, want %d", got.ID, group1.ID)
	}
	if _, err := m.ConfirmGuided(ctx, s.ID, group1); !errors.Is(err, ErrNoSession) {
		t.Errorf("second confirm = %v, want ErrNoSession", err)
	}
}

func TestGuidedBindConflictStaysPending(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newMachine(t)
	if err := b.Link(ctx, group1, remoteB); err != nil {
		t.Fatal(err)
	}

	s, _ := m.StartGuided(ctx, admin, remoteA)
	_, err := m.ConfirmGuided(ctx, s.ID, group1)
	var rem *RemediationError
	if !errors.As(err, &rem) || !errors.Is(err, binding.ErrModeViolation) {
		t.Fatalf("ConfirmGuided = %v, want RemediationError(ModeViolation)", err)
	}
	if !strings.Contains(rem.Hint, "/multi on") {
		t.Errorf("hint = %q", rem.Hint)
	}
	if m.State(remoteA) != StatePendingGuidedBind {
		t.Errorf("State = %s, want pending_guided_bind", m.State(remoteA))
	}

	// Following the hint resolves the conflict within the same session.
	if _, err := m.ConfirmGuided(ctx, s.ID, group1, binding.Multi()); err != nil {
		t.Fatalf("ConfirmGuided with Multi: %v", err)
	}
}

func TestGuidedBindAlreadyLinkedElsewhere(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newMachine(t)
	if err := b.Link(ctx, group2, remoteA); err != nil {
		t.Fatal(err)
	}

	s, _ := m.StartGuided(ctx, admin, remoteA)
	_, err := m.ConfirmGuided(ctx, s.ID, group1)
	if !errors.Is(err, binding.ErrAlreadyLinkedElsewhere) {
		t.Fatalf("ConfirmGuided = %v, want ErrAlreadyLinkedElsewhere", err)
	}
	if _, err := m.ConfirmGuided(ctx, s.ID, group1, binding.Replace()); err != nil {
		t.Fatalf("ConfirmGuided with Replace: %v", err)
	}
	if got, _ := b.ResolveContext(remoteA); got.ID != group1.ID {
		t.Errorf("chat not moved: %d", got.ID)
	}
}

func TestGuidedBindRejectsForeignContext(t *testing.T) {
	m, _, _ := newMachine(t)
	s, _ := m.StartGuided(context.Background(), admin, remoteA)
	other := chat.FrontendContext{ID: 999, Kind: chat.ContextGroup}
	if _, err := m.ConfirmGuided(context.Background(), s.ID, other); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("ConfirmGuided = %v, want ErrNotAdmin", err)
	}
}

func TestManualBindSingleUse(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newMachine(t)

	code, _, err := m.IssueCode(ctx, admin, remoteA)
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	if m.State(remoteA) != StatePendingManualBind {
		t.Errorf("State = %s, want pending_manual_bind", m.State(remoteA))
	}

	got, err := m.Redeem(ctx, " "+strings.ToUpper(code)+" ", group1)
	if err != nil || got != remoteA {
		t.Fatalf("Redeem = %v, %v", got, err)
	}
	if !b.IsLinked(remoteA) {
		t.Error("chat not linked after redeem")
	}

	if _, err := m.Redeem(ctx, code, group2); !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("second Redeem = %v, want ErrInvalidOrExpiredCode", err)
	}
	if _, err := m.Redeem(ctx, "deadbeef", group2); !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("unknown code = %v, want ErrInvalidOrExpiredCode", err)
	}
}

func TestManualBindExpiry(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newMachine(t)

	code, exp, err := m.IssueCode(ctx, admin, remoteA)
	if err != nil {
		t.Fatal(err)
	}
	clock.t = exp
	if _, err := m.Redeem(ctx, code, group1); !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("Redeem at expiry = %v, want ErrInvalidOrExpiredCode", err)
	}
	if m.State(remoteA) != StateUnbound {
		t.Errorf("State after expiry = %s, want unbound", m.State(remoteA))
	}
}

func TestManualBindConflictRestoresCode(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newMachine(t)
	if err := b.Link(ctx, group1, remoteB); err != nil {
		t.Fatal(err)
	}

	code, _, _ := m.IssueCode(ctx, admin, remoteA)
	if _, err := m.Redeem(ctx, code, group1); !errors.Is(err, binding.ErrModeViolation) {
		t.Fatalf("Redeem = %v, want ErrModeViolation", err)
	}
	if _, err := m.Redeem(ctx, code, group2); err != nil {
		t.Errorf("Redeem after conflict = %v, want success in another context", err)
	}
}

func TestConcurrentRedeemOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMachine(t)
	code, _, _ := m.IssueCode(ctx, admin, remoteA)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Redeem(ctx, code, group1); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("successful redemptions = %d, want 1", wins.Load())
	}
}

func TestUnbindAndRebind(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newMachine(t)
	if err := b.Link(ctx, group1, remoteA); err != nil {
		t.Fatal(err)
	}
	if err := m.ledger.Record(ctx, ledger.Entry{
		Frontend: ledger.FrontendRef{ContextID: group1.ID, MessageID: 7},
		Remote:   ledger.RemoteRef{Chat: remoteA, MessageID: "m1"},
	}); err != nil {
		t.Fatal(err)
	}

	n, err := m.UnbindAll(ctx, group1)
	if err != nil || n != 1 {
		t.Fatalf("UnbindAll = %d, %v", n, err)
	}
	if m.State(remoteA) != StateUnbound {
		t.Errorf("State = %s, want unbound", m.State(remoteA))
	}

	s, err := m.Rebind(ctx, admin, ledger.FrontendRef{ContextID: group1.ID, MessageID: 7})
	if err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if s.Chat != remoteA {
		t.Errorf("Rebind chat = %v, want %v", s.Chat, remoteA)
	}
	if _, err := m.ConfirmGuided(ctx, s.ID, group2); err != nil {
		t.Fatalf("ConfirmGuided: %v", err)
	}
	if err := m.Unbind(ctx, group2, remoteA); err != nil {
		t.Fatal(err)
	}
	if b.IsLinked(remoteA) {
		t.Error("still linked after Unbind")
	}

	if _, err := m.Rebind(ctx, admin, ledger.FrontendRef{ContextID: group1.ID, MessageID: 8}); !errors.Is(err, ledger.ErrNotTracked) {
		t.Errorf("Rebind(untracked) = %v, want ErrNotTracked", err)
	}
}

func TestLinkUpdatesLastRecipient(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	trk := tracker.New(tracker.PolicyEnabled).WithClock(clock.now)
	b := binding.New(nil, true)
	m := New(Config{
		Bindings: b,
		Admins:   staticAdmins{group1, group2},
		Tracker:  trk,
		Now:      clock.now,
	})

	s, err := m.StartGuided(ctx, admin, remoteA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ConfirmGuided(ctx, s.ID, group1); err != nil {
		t.Fatalf("ConfirmGuided: %v", err)
	}
	if rec, ok := trk.Get(group1.ID); !ok || rec.Target != remoteA || !rec.At.Equal(clock.t) {
		t.Errorf("record after guided bind = %+v, %v", rec, ok)
	}

	if err := b.SetMode(ctx, group1, true); err != nil {
		t.Fatal(err)
	}
	code, _, err := m.IssueCode(ctx, admin, remoteB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Redeem(ctx, code, group1); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if rec, _ := trk.Get(group1.ID); rec.Target != remoteB {
		t.Errorf("target after manual bind = %v, want %v", rec.Target, remoteB)
	}

	// Unlinking a chat other than the last recipient keeps the record.
	if err := m.Unbind(ctx, group1, remoteA); err != nil {
		t.Fatal(err)
	}
	if _, ok := trk.Get(group1.ID); !ok {
		t.Error("record dropped after unlinking another chat")
	}
	if err := m.Unbind(ctx, group1, remoteB); err != nil {
		t.Fatal(err)
	}
	if _, ok := trk.Get(group1.ID); ok {
		t.Error("record kept after unlinking the last recipient")
	}
}

func TestFailedLinkLeavesTrackerAlone(t *testing.T) {
	ctx := context.Background()
	trk := tracker.New(tracker.PolicyEnabled)
	b := binding.New(nil, true)
	m := New(Config{Bindings: b, Admins: staticAdmins{group1, group2}, Tracker: trk})

	if err := b.Link(ctx, group2, remoteA); err != nil {
		t.Fatal(err)
	}
	code, _, _ := m.IssueCode(ctx, admin, remoteA)
	if _, err := m.Redeem(ctx, code, group1); err == nil {
		t.Fatal("Redeem succeeded for a chat linked elsewhere")
	}
	if _, ok := trk.Get(group1.ID); ok {
		t.Error("tracker written after a failed link")
	}
}

func TestMemoryCodeStorePrunesExpired(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	s := newMemoryCodeStore(clock.now)

	short := Grant{Chat: remoteA, ExpiresAt: clock.t.Add(time.Minute)}
	long := Grant{Chat: remoteB, ExpiresAt: clock.t.Add(time.Hour)}
	if err := s.Put(ctx, "short", short); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "long", long); err != nil {
		t.Fatal(err)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if err := s.Put(ctx, "new", long); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.codes["short"]; ok {
		t.Error("expired code kept after Put")
	}
	if len(s.codes) != 2 {
		t.Errorf("stored codes = %d, want 2", len(s.codes))
	}
	if _, ok, _ := s.Take(ctx, "long"); !ok {
		t.Error("unexpired code pruned")
	}
}
