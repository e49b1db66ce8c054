package whatsapp

import "strings"

// TriggerConfig lists the keywords that wake the bot. Matching is done on the
// lower-cased, trimmed message text.
type TriggerConfig struct {
	// Contains matches anywhere in the text
	Contains []string
	// Prefixes match only at the start of the text
	Prefixes []string
	// Mentions are keywords that address the bot directly (e.g. "@karl").
	// They trigger like Contains and additionally mark the decision as a mention.
	Mentions []string
}

// DefaultTriggerConfig returns the stock keyword set
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Contains: []string{"karl", "assistant", "ai "},
		Prefixes: []string{"karl ", "karl,"},
		Mentions: []string{"@karl"},
	}
}

// Decision is the outcome of evaluating a message against the trigger keywords
type Decision struct {
	Matched bool
	Keyword string
	Mention bool
}

// Trigger evaluates message text against a TriggerConfig
type Trigger struct {
	contains []string
	prefixes []string
	mentions []string
}

// NewTrigger builds a Trigger; keywords are lower-cased, empty ones dropped.
func NewTrigger(cfg TriggerConfig) *Trigger {
	return &Trigger{
		contains: normalizeKeywords(cfg.Contains),
		prefixes: normalizeKeywords(cfg.Prefixes),
		mentions: normalizeKeywords(cfg.Mentions),
	}
}

// Match evaluates text. Mentions are checked first so a message containing
// "@karl" is always reported as a mention.
func (t *Trigger) Match(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{}
	}

	for _, kw := range t.mentions {
		if strings.Contains(normalized, kw) {
			return Decision{Matched: true, Keyword: kw, Mention: true}
		}
	}
	for _, kw := range t.prefixes {
		if strings.HasPrefix(normalized, kw) {
			return Decision{Matched: true, Keyword: kw}
		}
	}
	for _, kw := range t.contains {
		if strings.Contains(normalized, kw) {
			return Decision{Matched: true, Keyword: kw}
		}
	}
	return Decision{}
}

// keywords are not trimmed: "ai " relies on its trailing space
func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		out = append(out, strings.ToLower(kw))
	}
	return out
}
