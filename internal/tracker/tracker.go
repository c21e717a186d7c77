// Package tracker remembers, per front-end context, which remote chat was last
// addressed explicitly, so a follow-up message without a target can be routed
// there. The state is a soft heuristic and lives in memory only.
package tracker

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/keylock"
)

// Window is how long an explicit addressing stays eligible for implicit reuse.
const Window = time.Hour

// Policy controls implicit addressing.
type Policy string

const (
	PolicyDisabled Policy = "disabled"
	PolicyEnabled  Policy = "enabled"
	PolicyWarn     Policy = "warn"
)

// ParsePolicy parses a config value; an empty string selects PolicyWarn.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyWarn, nil
	case PolicyDisabled, PolicyEnabled, PolicyWarn:
		return p, nil
	}
	return "", fmt.Errorf("unknown implicit addressing policy %q", s)
}

// Record is the per-context state.
type Record struct {
	Target chat.Key  // remote chat last addressed explicitly
	At     time.Time // when Target was addressed
	Origin chat.Key  // remote chat the latest observed message came from or went to
}

// Decide is the implicit-addressing rule: the record is usable iff it is at
// most Window old and the latest observed message belongs to the same chat.
func Decide(rec Record, now time.Time) (chat.Key, bool) {
	if rec.Target.IsZero() {
		return chat.Key{}, false
	}
	if now.Sub(rec.At) > Window {
		return chat.Key{}, false
	}
	if rec.Origin != rec.Target {
		return chat.Key{}, false
	}
	return rec.Target, true
}

// Resolution is the outcome of Tracker.Resolve.
type Resolution struct {
	Target chat.Key
	// Warn is set when the policy asks the caller to tell the user that the
	// message was routed implicitly.
	Warn bool
}

// Tracker holds one Record per front-end context.
type Tracker struct {
	locks   keylock.Map
	records sync.Map // int64 → Record
	policy  atomic.Value
	now     func() time.Time
}

// New creates a Tracker with the given policy.
func New(policy Policy) *Tracker {
	t := &Tracker{now: time.Now}
	t.policy.Store(policy)
	return t
}

// WithClock replaces the time source; used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// SetPolicy swaps the policy at runtime.
func (t *Tracker) SetPolicy(p Policy) { t.policy.Store(p) }

// Policy returns the active policy.
func (t *Tracker) Policy() Policy { return t.policy.Load().(Policy) }

// RecordOutbound records an explicit addressing of r from the context.
func (t *Tracker) RecordOutbound(contextID int64, r chat.Key) {
	unlock := t.locks.Lock(lockKey(contextID))
	defer unlock()
	t.records.Store(contextID, Record{Target: r, At: t.now(), Origin: r})
}

// RecordInboundOrigin notes that the latest message in the context came from r.
// The target and its timestamp are left alone.
func (t *Tracker) RecordInboundOrigin(contextID int64, r chat.Key) {
	unlock := t.locks.Lock(lockKey(contextID))
	defer unlock()
	var rec Record
	if v, ok := t.records.Load(contextID); ok {
		rec = v.(Record)
	}
	rec.Origin = r
	t.records.Store(contextID, rec)
}

// Get returns the raw record for a context.
func (t *Tracker) Get(contextID int64) (Record, bool) {
	v, ok := t.records.Load(contextID)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

// Forget drops the record of a context, e.g. after its bindings change.
func (t *Tracker) Forget(contextID int64) {
	unlock := t.locks.Lock(lockKey(contextID))
	defer unlock()
	t.records.Delete(contextID)
}

// Resolve applies the active policy and Decide to the context's record.
func (t *Tracker) Resolve(contextID int64) (Resolution, bool) {
	p := t.Policy()
	if p == PolicyDisabled {
		return Resolution{}, false
	}
	rec, ok := t.Get(contextID)
	if !ok {
		return Resolution{}, false
	}
	target, ok := Decide(rec, t.now())
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Target: target, Warn: p == PolicyWarn}, true
}

func lockKey(id int64) string { return fmt.Sprint(id) }
