package sanitize

import (
	"regexp"
	"strings"
)

const mask = "[REDACTED]"

var builtinPatterns = []*regexp.Regexp{
	// Authorization headers and bearer tokens.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)authorization:\s*\S+`),
	// Key/value credentials in query strings, JSON, or error text.
	regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?key|token|credential)["']?\s*[:=]\s*["']?[^\s"',;&]+`),
	// Basic-auth userinfo embedded in URLs.
	regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`),
	// JWT-shaped blobs.
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`),
}

// Scrubber removes credential material and configured entity identifiers
// from text before it is logged or recorded.
type Scrubber struct {
	entity []*regexp.Regexp
}

// New builds a Scrubber. Each entityPattern is a regexp matching entity
// identifiers that must not leave the process in error text; invalid
// patterns are skipped.
func New(entityPatterns []string) *Scrubber {
	s := &Scrubber{}
	for _, p := range entityPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		s.entity = append(s.entity, re)
	}
	return s
}

// Scrub returns text with credentials, tokens, and entity identifiers masked.
func (s *Scrubber) Scrub(text string) string {
	for _, re := range builtinPatterns {
		text = re.ReplaceAllString(text, mask)
	}
	if s != nil {
		for _, re := range s.entity {
			text = re.ReplaceAllString(text, mask)
		}
	}
	return text
}

// ScrubError is a nil-safe convenience for error messages.
func (s *Scrubber) ScrubError(err error) string {
	if err == nil {
		return ""
	}
	return s.Scrub(err.Error())
}
