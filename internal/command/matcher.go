package command

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Match is the outcome of testing message text against a trigger list.
type Match struct {
	Trigger string // configured trigger that matched
	Query   string // text after the trigger, trimmed
}

// Matcher recognizes messages addressed to a plugin by their leading
// trigger word. Matching is case-insensitive and has no side effects;
// the query keeps its original casing.
type Matcher struct {
	triggers []string
	lower    []string // pre-computed lowercase triggers, same order
	exact    bool
}

// New returns a Matcher over the given triggers. The first matching
// trigger in the given order wins.
func New(triggers []string) *Matcher {
	m := &Matcher{
		triggers: append([]string(nil), triggers...),
	}
	m.lower = make([]string, len(m.triggers))
	for i, t := range m.triggers {
		m.lower[i] = strings.ToLower(strings.TrimSpace(t))
	}
	return m
}

// NewLongestFirst returns a Matcher that tries longer triggers before
// shorter ones, so a trigger that prefixes another cannot shadow it.
func NewLongestFirst(triggers []string) *Matcher {
	ordered := append([]string(nil), triggers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})
	return New(ordered)
}

// NewExact returns a Matcher that only recognizes messages whose whole
// text equals one of the triggers. Matches carry an empty query.
func NewExact(triggers []string) *Matcher {
	m := New(triggers)
	m.exact = true
	return m
}

// Match tests text against the trigger list.
// Returns nil if no trigger matches.
func (m *Matcher) Match(text string) *Match {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	for i, lt := range m.lower {
		if lt == "" {
			continue
		}
		if m.exact {
			if strings.ToLower(text) == lt {
				return &Match{Trigger: m.triggers[i]}
			}
			continue
		}
		if len(text) < len(lt) || strings.ToLower(text[:len(lt)]) != lt {
			continue
		}
		rest := text[len(lt):]
		if !cleanBreak(lt, rest) {
			continue
		}
		return &Match{
			Trigger: m.triggers[i],
			Query:   strings.TrimSpace(rest),
		}
	}
	return nil
}

// Triggers returns the trigger list in matching order.
func (m *Matcher) Triggers() []string {
	return append([]string(nil), m.triggers...)
}

// cleanBreak reports whether a trigger may end where rest begins. A
// trigger ending in an ASCII letter or digit must be followed by a
// separator, so "sf" does not fire on "sfx hello". Triggers ending in
// wider runes match as plain prefixes, since Chinese commands are
// written without a space before the query.
func cleanBreak(trigger, rest string) bool {
	if rest == "" {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(trigger)
	if !isASCIIWord(last) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	return !isASCIIWord(next)
}

func isASCIIWord(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
