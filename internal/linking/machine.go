// Package linking drives the workflows that create and remove bindings:
// guided bind (pick a chat, pick an administered context, confirm), manual
// bind through a single-use code, unbind, unbind-all and re-bind.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/tracker"
)

// State is the binding state of a remote chat.
type State string

const (
	StateUnbound           State = "unbound"
	StatePendingGuidedBind State = "pending_guided_bind"
	StatePendingManualBind State = "pending_manual_bind"
	StateBound             State = "bound"
)

var (
	// ErrInvalidOrExpiredCode is returned when a binding code is unknown, used or expired.
	ErrInvalidOrExpiredCode = errors.New("binding code is invalid or expired")
	// ErrNoSession is returned when a guided bind session does not exist or has finished.
	ErrNoSession = errors.New("bind session not found")
	// ErrNotAdmin is returned when the chosen context is not one the initiator administers.
	ErrNotAdmin = errors.New("initiator is not an administrator of the target context")
)

// RemediationError is a recoverable bind failure with a suggestion for the user.
type RemediationError struct {
	Err  error
	Hint string
}

func (e *RemediationError) Error() string { return e.Err.Error() + ". " + e.Hint }

func (e *RemediationError) Unwrap() error { return e.Err }

// AdminContexts lists the front-end contexts in which a user has administrative rights.
type AdminContexts interface {
	AdminContexts(ctx context.Context, userID int64) ([]chat.FrontendContext, error)
}

// Session is a guided bind in progress.
type Session struct {
	ID         string
	Initiator  int64
	Chat       chat.Key
	Candidates []chat.FrontendContext
	State      State
	CreatedAt  time.Time
}

// DefaultCodeTTL is how long a manual binding code stays redeemable.
const DefaultCodeTTL = 10 * time.Minute

// sessionTTL bounds how long an abandoned guided session is kept.
const sessionTTL = time.Hour

// Machine is safe for concurrent use.
type Machine struct {
	bindings *binding.Store
	codes    CodeStore
	admins   AdminContexts
	ledger   *ledger.Ledger
	tracker  *tracker.Tracker
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	manual   map[chat.Key]time.Time // chat → latest code expiry
}

// Config wires a Machine. Codes defaults to an in-memory store, CodeTTL to
// DefaultCodeTTL. Tracker may be nil.
type Config struct {
	Bindings *binding.Store
	Codes    CodeStore
	Admins   AdminContexts
	Ledger   *ledger.Ledger
	Tracker  *tracker.Tracker
	CodeTTL  time.Duration
	Now      func() time.Time
}

func New(cfg Config) *Machine {
	m := &Machine{
		bindings: cfg.Bindings,
		codes:    cfg.Codes,
		admins:   cfg.Admins,
		ledger:   cfg.Ledger,
		tracker:  cfg.Tracker,
		ttl:      cfg.CodeTTL,
		now:      cfg.Now,
		sessions: make(map[string]*Session),
		manual:   make(map[chat.Key]time.Time),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.codes == nil {
		m.codes = newMemoryCodeStore(m.now)
	}
	if m.ttl <= 0 {
		m.ttl = DefaultCodeTTL
	}
	return m
}

// State reports where r is in the binding workflow.
func (m *Machine) State(r chat.Key) State {
	if m.bindings.IsLinked(r) {
		return StateBound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Chat == r && s.State == StatePendingGuidedBind {
			return StatePendingGuidedBind
		}
	}
	if exp, ok := m.manual[r]; ok {
		if m.now().Before(exp) {
			return StatePendingManualBind
		}
		delete(m.manual, r)
	}
	return StateUnbound
}

// StartGuided opens a guided bind for r and lists the contexts the initiator
// can bind it to. An empty candidate list means the initiator should fall
// back to a manual code.
func (m *Machine) StartGuided(ctx context.Context, initiator int64, r chat.Key) (*Session, error) {
	var candidates []chat.FrontendContext
	if m.admins != nil {
		var err error
		candidates, err = m.admins.AdminContexts(ctx, initiator)
		if err != nil {
			return nil, fmt.Errorf("list admin contexts: %w", err)
		}
	}

	s := &Session{
		ID:         uuid.NewString(),
		Initiator:  initiator,
		Chat:       r,
		Candidates: candidates,
		State:      StatePendingGuidedBind,
		CreatedAt:  m.now(),
	}
	m.mu.Lock()
	m.pruneLocked()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Debug("linking: guided bind started", "session", s.ID, "chat", r.String(), "candidates", len(candidates))
	return s, nil
}

// Session returns a copy of a pending session.
func (m *Machine) Session(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Cancel abandons a guided session.
func (m *Machine) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// ConfirmGuided links the session's chat to target. On a binding conflict the
// session stays pending and a RemediationError is returned, so the user can fix
// the conflict and confirm again (opts may then carry binding.Replace or binding.Multi).
func (m *Machine) ConfirmGuided(ctx context.Context, id string, target chat.FrontendContext, opts ...binding.Option) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.State != StatePendingGuidedBind {
		return nil, ErrNoSession
	}
	if !slices.ContainsFunc(s.Candidates, func(c chat.FrontendContext) bool { return c.ID == target.ID }) {
		return nil, ErrNotAdmin
	}

	if err := m.bindings.Link(ctx, target, s.Chat, opts...); err != nil {
		return nil, remediate(err)
	}
	m.addressed(target.ID, s.Chat)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	done := *s
	done.State = StateBound
	slog.Info("linking: guided bind completed", "chat", s.Chat.String(), "context_id", target.ID, "initiator", s.Initiator)
	return &done, nil
}

// IssueCode starts a manual bind: it returns a single-use code to be posted
// in the target context before it expires.
func (m *Machine) IssueCode(ctx context.Context, initiator int64, r chat.Key) (string, time.Time, error) {
	exp := m.now().Add(m.ttl)
	g := Grant{Chat: r, Issuer: initiator, ExpiresAt: exp}

	var code string
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		code = NewCode()
		if err = m.codes.Put(ctx, code, g); err == nil {
			break
		}
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue binding code: %w", err)
	}

	m.mu.Lock()
	m.manual[r] = exp
	m.mu.Unlock()

	slog.Info("linking: binding code issued", "chat", r.String(), "initiator", initiator, "expires_at", exp)
	return code, exp, nil
}

// Redeem completes a manual bind inside target. A code works once and only
// before its expiry; if the link itself fails the code is restored so the
// user can resolve the conflict and retry.
func (m *Machine) Redeem(ctx context.Context, code string, target chat.FrontendContext, opts ...binding.Option) (chat.Key, error) {
	code = normalizeCode(code)
	if code == "" {
		return chat.Key{}, ErrInvalidOrExpiredCode
	}
	g, ok, err := m.codes.Take(ctx, code)
	if err != nil {
		return chat.Key{}, err
	}
	if !ok || !m.now().Before(g.ExpiresAt) {
		return chat.Key{}, ErrInvalidOrExpiredCode
	}

	if err := m.bindings.Link(ctx, target, g.Chat, opts...); err != nil {
		if perr := m.codes.Put(ctx, code, g); perr != nil {
			slog.Warn("linking: failed to restore binding code", "error", perr)
		}
		return chat.Key{}, remediate(err)
	}
	m.addressed(target.ID, g.Chat)

	m.mu.Lock()
	delete(m.manual, g.Chat)
	m.mu.Unlock()

	slog.Info("linking: manual bind completed", "chat", g.Chat.String(), "context_id", target.ID, "issuer", g.Issuer)
	return g.Chat, nil
}

// Unbind removes one binding. A last recipient pointing at r is forgotten.
func (m *Machine) Unbind(ctx context.Context, fc chat.FrontendContext, r chat.Key) error {
	if err := m.bindings.Unlink(ctx, fc, r); err != nil {
		return err
	}
	if m.tracker != nil {
		if rec, ok := m.tracker.Get(fc.ID); ok && rec.Target == r {
			m.tracker.Forget(fc.ID)
		}
	}
	return nil
}

// UnbindAll removes every binding of fc at once and returns how many were removed.
func (m *Machine) UnbindAll(ctx context.Context, fc chat.FrontendContext) (int, error) {
	n, err := m.bindings.UnlinkAll(ctx, fc)
	if err != nil {
		return 0, err
	}
	if n > 0 && m.tracker != nil {
		m.tracker.Forget(fc.ID)
	}
	return n, nil
}

// addressed records a completed link as an explicit addressing of r from contextID.
func (m *Machine) addressed(contextID int64, r chat.Key) {
	if m.tracker != nil {
		m.tracker.RecordOutbound(contextID, r)
	}
}

// Rebind starts a guided bind for the remote chat a front-end message was
// exchanged with, skipping chat selection.
func (m *Machine) Rebind(ctx context.Context, initiator int64, ref ledger.FrontendRef) (*Session, error) {
	if m.ledger == nil {
		return nil, ledger.ErrNotTracked
	}
	e, err := m.ledger.LookupByFrontend(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.StartGuided(ctx, initiator, e.Remote.Chat)
}

func (m *Machine) pruneLocked() {
	cutoff := m.now().Add(-sessionTTL)
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

func remediate(err error) error {
	var le *binding.LinkError
	switch {
	case errors.Is(err, binding.ErrModeViolation):
		return &RemediationError{Err: err, Hint: "Unlink the current chat first, or switch this context to multi-binding mode with /multi on."}
	case errors.Is(err, binding.ErrAlreadyLinkedElsewhere) && errors.As(err, &le):
		return &RemediationError{Err: err, Hint: fmt.Sprintf("Unlink it from context %d first, or confirm relinking to move it here.", le.Prior.ID)}
	}
	return err
}
