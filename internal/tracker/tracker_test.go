package tracker

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

var (
	alice = chat.Key{ChannelID: "wechat", ChatID: "alice"}
	bob   = chat.Key{ChannelID: "wechat", ChatID: "bob"}
)

func TestDecideWindowBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{Target: alice, At: start, Origin: alice}

	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"immediately", 0, true},
		{"59:59", 59*time.Minute + 59*time.Second, true},
		{"60:00", 60 * time.Minute, true},
		{"60:01", 60*time.Minute + time.Second, false},
		{"two hours", 2 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Decide(rec, start.Add(tt.elapsed))
			if ok != tt.want {
				t.Errorf("Decide(+%v) = %v, want %v", tt.elapsed, ok, tt.want)
			}
		})
	}
}

func TestDecideOriginMismatch(t *testing.T) {
	now := time.Now()
	if _, ok := Decide(Record{Target: alice, At: now, Origin: bob}, now); ok {
		t.Error("Decide resolved with a different last origin")
	}
	if _, ok := Decide(Record{}, now); ok {
		t.Error("Decide resolved an empty record")
	}
}

func TestTrackerResolve(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := New(PolicyEnabled).WithClock(func() time.Time { return now })

	if _, ok := tr.Resolve(1); ok {
		t.Fatal("Resolve on unknown context succeeded")
	}

	tr.RecordOutbound(1, alice)
	res, ok := tr.Resolve(1)
	if !ok || res.Target != alice || res.Warn {
		t.Fatalf("Resolve = %+v, %v", res, ok)
	}

	// A message from another chat breaks the origin match but keeps the timestamp.
	now = now.Add(10 * time.Minute)
	tr.RecordInboundOrigin(1, bob)
	if _, ok := tr.Resolve(1); ok {
		t.Error("Resolve succeeded after origin moved to bob")
	}
	rec, _ := tr.Get(1)
	if rec.Target != alice || !rec.At.Equal(now.Add(-10*time.Minute)) {
		t.Errorf("RecordInboundOrigin touched target: %+v", rec)
	}

	// The addressed chat speaking again restores the match.
	tr.RecordInboundOrigin(1, alice)
	if _, ok := tr.Resolve(1); !ok {
		t.Error("Resolve failed after origin returned to alice")
	}

	now = now.Add(50*time.Minute + time.Second)
	if _, ok := tr.Resolve(1); ok {
		t.Error("Resolve succeeded past the window")
	}
}

func TestTrackerPolicies(t *testing.T) {
	tr := New(PolicyWarn)
	tr.RecordOutbound(7, alice)

	res, ok := tr.Resolve(7)
	if !ok || !res.Warn {
		t.Errorf("warn policy: Resolve = %+v, %v; want warn", res, ok)
	}

	tr.SetPolicy(PolicyDisabled)
	if _, ok := tr.Resolve(7); ok {
		t.Error("disabled policy resolved")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyWarn, false},
		{"warn", PolicyWarn, false},
		{"Enabled", PolicyEnabled, false},
		{" disabled ", PolicyDisabled, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
