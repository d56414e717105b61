package discord

import (
	"regexp"
	"strings"
)

// maxContentLength is the sink's content cap. Truncation keeps three
// characters of headroom for the ellipsis marker.
const maxContentLength = 4000

var (
	hashtagPattern    = regexp.MustCompile(`#\w+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Sanitizer strips relay plumbing out of post text before it is shown to
// readers. The trigger tag match requires a right-side boundary so that
// searching for #discord does not fire on #discord-like.
type Sanitizer struct {
	trigger *regexp.Regexp
}

// NewSanitizer compiles the matcher for triggerTag. An empty tag yields a
// sanitizer that never matches and only strips generic tags.
func NewSanitizer(triggerTag string) *Sanitizer {
	s := &Sanitizer{}
	if triggerTag != "" {
		s.trigger = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(triggerTag) + `([^0-9A-Za-z_-]|$)`)
	}
	return s
}

// HasTriggerTag reports whether message contains the trigger tag,
// case-insensitively.
func (s *Sanitizer) HasTriggerTag(message string) bool {
	if s.trigger == nil {
		return false
	}
	return s.trigger.MatchString(message)
}

// Sanitize removes the trigger tag and all remaining #word tokens, collapses
// whitespace runs, trims, and truncates to the sink's content cap.
func (s *Sanitizer) Sanitize(message string) string {
	cleaned := message
	if s.trigger != nil {
		cleaned = s.trigger.ReplaceAllString(cleaned, "$1")
	}
	cleaned = hashtagPattern.ReplaceAllString(cleaned, "")
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)
	return truncate(cleaned, maxContentLength)
}

// truncate cuts s to at most limit runes, replacing the tail with "..." when
// anything was dropped. Rune-based so multi-byte text never splits.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
