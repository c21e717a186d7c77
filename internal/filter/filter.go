// Package filter searches remote chats by matching a pattern against a
// canonical multi-line rendering of each chat's metadata.
package filter

import (
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// MatchTimeout bounds a single match so a pathological pattern cannot stall a worker.
const MatchTimeout = 200 * time.Millisecond

// Pattern is a compiled filter. The zero value and the empty pattern match every chat.
type Pattern struct {
	source string
	re     *regexp2.Regexp
}

// Compile parses a user-supplied pattern. Metacharacters are interpreted,
// lookaround included; matching is case-insensitive, ^ and $ match at line
// boundaries and . matches newlines.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{source: pattern}
	if pattern == "" {
		return p, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase|regexp2.Multiline|regexp2.Singleline)
	if err != nil {
		return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
	}
	re.MatchTimeout = MatchTimeout
	p.re = re
	return p, nil
}

// String returns the source pattern.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

// MatchString reports whether the pattern occurs anywhere in s. A match that
// exceeds MatchTimeout counts as no match.
func (p *Pattern) MatchString(s string) bool {
	if p == nil || p.re == nil {
		return true
	}
	ok, err := p.re.MatchString(s)
	return err == nil && ok
}

// Render produces the canonical record matched by patterns: one "Field: value"
// line per field, always in the same order.
func Render(c chat.RemoteChat, linked bool) string {
	mode := "Unlinked"
	if linked {
		mode = "Linked"
	}
	var b strings.Builder
	line := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	line("Channel", c.ChannelName)
	line("Channel ID", c.ChannelID)
	line("Name", c.Name)
	line("Alias", c.Alias)
	line("ID", c.ChatID)
	line("Type", c.Kind.Title())
	line("Mode", mode)
	line("Description", c.Description)
	line("Notification", string(c.Notification))
	line("Other", c.Vendor.String())
	return b.String()
}

// Chats lazily yields the chats whose rendered record matches p, in input
// order. linked reports the binding state rendered into each record and may be nil.
// The returned sequence can be iterated any number of times.
func Chats(p *Pattern, chats []chat.RemoteChat, linked func(chat.Key) bool) iter.Seq[chat.RemoteChat] {
	return func(yield func(chat.RemoteChat) bool) {
		for _, c := range chats {
			isLinked := linked != nil && linked(c.Key)
			if !p.MatchString(Render(c, isLinked)) {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}
