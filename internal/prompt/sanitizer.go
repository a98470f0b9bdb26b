// Package prompt normalizes user text before it reaches the requirements
// analyzer or is concatenated into worker prompts. Cleaning is idempotent
// and size-bounded; the hard byte ceiling protects every outbound prompt.
package prompt

import (
	"regexp"
	"strings"

	"foreman/internal/fault"
	"foreman/internal/logging"
)

const (
	// DefaultFieldCapChars caps a single cleaned field.
	DefaultFieldCapChars = 2000
	// DefaultMaxPromptBytes is the hard ceiling for any outbound prompt.
	DefaultMaxPromptBytes = 100000

	// Ellipsis appended on truncation. A single rune that is not a sentence
	// terminator, so a second Clean pass leaves truncated text unchanged.
	Ellipsis = "…"
)

// prefixMarker matches injected "user requested:"-style prefixes that
// accumulate when prompts get re-fed through the pipeline.
var prefixMarker = regexp.MustCompile(`(?i)user\s+requested\s*:\s*`)

// sentenceSplit matches runs of sentence terminators.
var sentenceSplit = regexp.MustCompile(`[.!?;:]+`)

// whitespaceRun collapses internal whitespace.
var whitespaceRun = regexp.MustCompile(`\s+`)

// Sanitizer cleans and size-validates text. The zero value is not usable;
// construct with New.
type Sanitizer struct {
	FieldCapChars  int
	MaxPromptBytes int
}

// New creates a sanitizer; non-positive limits fall back to defaults.
func New(fieldCapChars, maxPromptBytes int) *Sanitizer {
	if fieldCapChars <= 0 {
		fieldCapChars = DefaultFieldCapChars
	}
	if maxPromptBytes <= 0 {
		maxPromptBytes = DefaultMaxPromptBytes
	}
	return &Sanitizer{FieldCapChars: fieldCapChars, MaxPromptBytes: maxPromptBytes}
}

// Clean normalizes text: strips repeated request prefixes, deduplicates
// identical sentences preserving first-occurrence order, collapses
// whitespace, and truncates to the field cap with an ellipsis.
// Clean(Clean(x)) == Clean(x).
func (s *Sanitizer) Clean(text string) string {
	if text == "" {
		return ""
	}

	// Already-truncated text is left alone so repeated cleaning is stable.
	if strings.HasSuffix(text, Ellipsis) && len([]rune(text)) <= s.FieldCapChars+len([]rune(Ellipsis)) {
		if !prefixMarker.MatchString(text) {
			return text
		}
	}

	cleaned := prefixMarker.ReplaceAllString(text, "")

	// Split into sentences and deduplicate, keeping first-occurrence order.
	parts := sentenceSplit.Split(cleaned, -1)
	seen := make(map[string]bool, len(parts))
	var sentences []string
	for _, p := range parts {
		sentence := strings.TrimSpace(whitespaceRun.ReplaceAllString(p, " "))
		if sentence == "" {
			continue
		}
		key := strings.ToLower(sentence)
		if seen[key] {
			continue
		}
		seen[key] = true
		sentences = append(sentences, sentence)
	}

	result := strings.Join(sentences, ". ")
	return s.truncate(result)
}

// truncate bounds result to the field cap, cutting at a word boundary and
// appending the ellipsis.
func (s *Sanitizer) truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= s.FieldCapChars {
		return text
	}

	cut := string(runes[:s.FieldCapChars])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	logging.SanitizerDebug("Truncated field from %d to %d chars", len(runes), len([]rune(cut)))
	return cut + Ellipsis
}

// ExtractCore returns the text before the marker repetition begins, cleaned.
// Text with at most one marker occurrence is cleaned whole.
func (s *Sanitizer) ExtractCore(text string) string {
	locs := prefixMarker.FindAllStringIndex(text, 2)
	if len(locs) < 2 {
		return s.Clean(text)
	}
	return s.Clean(text[:locs[1][0]])
}

// ValidateSize enforces the hard prompt ceiling. A warning is logged at 80%
// of the ceiling; exceeding it returns PayloadTooLarge. Callers must then
// substitute a minimal fallback prompt rather than truncating silently.
func (s *Sanitizer) ValidateSize(data string, context string) error {
	size := len(data)
	if size > s.MaxPromptBytes {
		logging.Get(logging.CategorySanitizer).Error("%s: prompt %d bytes exceeds cap %d", context, size, s.MaxPromptBytes)
		return fault.New(fault.KindPayloadTooLarge, "%s: prompt is %d bytes, cap is %d", context, size, s.MaxPromptBytes)
	}
	if size >= s.MaxPromptBytes*8/10 {
		logging.Get(logging.CategorySanitizer).Warn("%s: prompt %d bytes at %d%% of cap", context, size, size*100/s.MaxPromptBytes)
	}
	return nil
}
