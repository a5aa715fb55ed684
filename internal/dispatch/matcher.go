package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher decides whether a subscription receives an event topic.
type Matcher interface {
	Matches(topic string) bool
}

// ExactMatcher matches one topic string.
type ExactMatcher string

func (m ExactMatcher) Matches(topic string) bool {
	return string(m) == topic
}

// DomainMatcher matches every topic inside one protocol domain. Built from
// patterns of the form "Debugger.*"; it matches "Debugger.paused" but never
// "Runtime.consoleAPICalled", and never the bare domain name itself.
type DomainMatcher string

func (m DomainMatcher) Matches(topic string) bool {
	return strings.HasPrefix(topic, string(m)+".")
}

// RegexMatcher matches topics against a compiled regular expression. The
// expression is anchored so a pattern matches whole topics only.
type RegexMatcher struct {
	re *regexp.Regexp
}

func (m *RegexMatcher) Matches(topic string) bool {
	return m.re.MatchString(topic)
}

// ParsePattern compiles a subscription pattern into a Matcher.
//
// Three forms are recognized, in order:
//   - "Domain.*"  -> DomainMatcher (everything in the domain)
//   - plain topic -> ExactMatcher (no regex metacharacters present)
//   - anything else is compiled as an anchored regular expression
func ParsePattern(pattern string) (Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty subscription pattern")
	}
	if domain, ok := strings.CutSuffix(pattern, ".*"); ok && !hasRegexMeta(domain) {
		return DomainMatcher(domain), nil
	}
	if !hasRegexMeta(pattern) {
		return ExactMatcher(pattern), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid subscription pattern %q: %w", pattern, err)
	}
	return &RegexMatcher{re: re}, nil
}

func hasRegexMeta(s string) bool {
	return strings.ContainsAny(s, `\^$*+?()[]{}|`)
}
