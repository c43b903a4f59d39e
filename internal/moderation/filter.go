// Package moderation holds the coordinator's moderation state and content
// rules: the mute set, the redaction filter applied to outgoing chat content,
// and the audit events emitted for administrative actions.
package moderation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	goahocorasick "github.com/anknown/ahocorasick"
)

// MaskRune replaces every character of a redacted match.
const MaskRune = '*'

// Redactor masks banned substrings and patterns in chat content. Matching is
// case-insensitive and each match is replaced by a mask of equal length in
// characters. It is safe for concurrent use once built.
type Redactor struct {
	matcher  *goahocorasick.Machine // nil when there are no banned words
	patterns []*regexp.Regexp
	trusted  []string
}

// NewRedactor builds a redactor. words are literal substrings, patterns are
// regular expressions applied after the words in the given order, and
// trustedPrefixes identify asset references that are never redacted.
func NewRedactor(words, patterns, trustedPrefixes []string) (*Redactor, error) {
	r := &Redactor{}

	keywords := normalizeWords(words)
	if len(keywords) > 0 {
		m := new(goahocorasick.Machine)
		if err := m.Build(keywords); err != nil {
			return nil, fmt.Errorf("moderation: build word matcher: %w", err)
		}
		r.matcher = m
	}

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("moderation: compile pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}

	for _, prefix := range trustedPrefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			r.trusted = append(r.trusted, prefix)
		}
	}
	return r, nil
}

// normalizeWords lower-cases, trims and de-duplicates the banned words.
func normalizeWords(words []string) [][]rune {
	seen := make(map[string]bool, len(words))
	uniq := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		w = string(lowerRunes([]rune(w)))
		if !seen[w] {
			seen[w] = true
			uniq = append(uniq, w)
		}
	}
	sort.Strings(uniq)

	out := make([][]rune, len(uniq))
	for i, w := range uniq {
		out[i] = []rune(w)
	}
	return out
}

// lowerRunes lower-cases rune by rune so indices keep lining up with the
// original text.
func lowerRunes(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		out[i] = unicode.ToLower(r)
	}
	return out
}

// IsTrustedAsset reports whether content is a bare reference to a trusted
// asset path, e.g. "/emoticons/smile.gif".
func (r *Redactor) IsTrustedAsset(content string) bool {
	if strings.ContainsFunc(content, unicode.IsSpace) {
		return false
	}
	for _, prefix := range r.trusted {
		if strings.HasPrefix(content, prefix) && !strings.Contains(content, "..") {
			return true
		}
	}
	return false
}

// Redact returns content with every banned word and pattern masked.
// Attachment content and trusted asset references are returned unchanged.
func (r *Redactor) Redact(kind, content string) string {
	if kind == "image" || content == "" || r.IsTrustedAsset(content) {
		return content
	}
	return r.Mask(content)
}

// Mask applies the word and pattern rules to content unconditionally.
func (r *Redactor) Mask(content string) string {
	out := content

	if r.matcher != nil {
		runes := []rune(out)
		terms := r.matcher.MultiPatternSearch(lowerRunes(runes), false)
		for _, term := range terms {
			end := term.Pos + len(term.Word)
			if term.Pos < 0 || end > len(runes) {
				continue
			}
			for i := term.Pos; i < end; i++ {
				runes[i] = MaskRune
			}
		}
		out = string(runes)
	}

	for _, re := range r.patterns {
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			return strings.Repeat(string(MaskRune), utf8.RuneCountInString(match))
		})
	}
	return out
}
