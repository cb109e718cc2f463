package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SubjectToken is prepended to subjectless chunks so that restatements of
// the same assertion hash identically regardless of elided subjects.
const SubjectToken = "the user"

// defaultSynonyms maps lowercase aliases to their canonical spelling.
// Canonical forms are fixed points of the mapping.
var defaultSynonyms = map[string]string{
	"toeic":  "TOEIC",
	"toefl":  "TOEFL",
	"ielts":  "IELTS",
	"llm":    "LLM",
	"ai":     "AI",
	"ml":     "ML",
	"nyc":    "New York",
	"sf":     "San Francisco",
	"e-mail": "email",
}

// leadVerbs are predicate openers that mark a chunk as subjectless.
var leadVerbs = map[string]bool{
	"likes": true, "dislikes": true, "prefers": true, "loves": true,
	"hates": true, "lives": true, "lived": true, "moved": true,
	"works": true, "worked": true, "studies": true, "studied": true,
	"owns": true, "has": true, "is": true, "was": true, "wants": true,
	"plans": true, "enjoys": true, "speaks": true, "uses": true,
}

var (
	relDaysAgoRe = regexp.MustCompile(`(?i)\b(\d+)\s+days?\s+ago\b`)
	relWordRe    = regexp.MustCompile(`(?i)\b(today|yesterday|tomorrow)\b`)
)

// Normalizer canonicalizes chunk text before hashing. All steps are
// deterministic and idempotent for a fixed reference clock.
type Normalizer struct {
	synonyms map[string]string
}

// New builds a Normalizer. extra entries (alias → canonical, alias matched
// case-insensitively) are merged over the built-in synonym table.
func New(extra map[string]string) *Normalizer {
	synonyms := make(map[string]string, len(defaultSynonyms)+len(extra))
	for alias, canonical := range defaultSynonyms {
		synonyms[alias] = canonical
	}
	for alias, canonical := range extra {
		synonyms[strings.ToLower(strings.TrimSpace(alias))] = strings.TrimSpace(canonical)
	}
	return &Normalizer{synonyms: synonyms}
}

// ParseSynonyms parses a comma-separated alias=canonical list, as accepted
// by the CORTEX_SYNONYMS setting.
func ParseSynonyms(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		alias, canonical, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(alias) == "" || strings.TrimSpace(canonical) == "" {
			return nil, fmt.Errorf("invalid synonym pair %q; expected alias=canonical", pair)
		}
		out[alias] = canonical
	}
	return out, nil
}

// Normalize canonicalizes raw text: NFKC, whitespace collapse, synonym
// mapping, relative-date resolution against ref, and subject completion.
// Original casing is retained; case folding happens only in Hash.
func (n *Normalizer) Normalize(raw string, ref time.Time) string {
	s := norm.NFKC.String(raw)
	s = collapseWhitespace(s)
	s = n.applySynonyms(s)
	s = resolveDates(s, ref)
	s = completeSubject(s)
	return s
}

// Hash returns the SHA-256 hex digest of the canonical text, folded to
// lowercase ASCII so that hashing ignores letter case.
func (n *Normalizer) Hash(canonical string) string {
	folded := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, canonical)
	sum := sha256.Sum256([]byte(folded))
	return hex.EncodeToString(sum[:])
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (n *Normalizer) applySynonyms(s string) string {
	words := strings.Split(s, " ")
	for i, w := range words {
		core, prefix, suffix := stripPunct(w)
		if core == "" {
			continue
		}
		if canonical, ok := n.synonyms[strings.ToLower(core)]; ok {
			words[i] = prefix + canonical + suffix
		}
	}
	return strings.Join(words, " ")
}

// stripPunct splits a token into surrounding punctuation and its core.
func stripPunct(w string) (core, prefix, suffix string) {
	runes := []rune(w)
	start, end := 0, len(runes)
	for start < end && isPunct(runes[start]) {
		start++
	}
	for end > start && isPunct(runes[end-1]) {
		end--
	}
	return string(runes[start:end]), string(runes[:start]), string(runes[end:])
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func resolveDates(s string, ref time.Time) string {
	day := ref.UTC().Truncate(24 * time.Hour)
	s = relWordRe.ReplaceAllStringFunc(s, func(m string) string {
		switch strings.ToLower(m) {
		case "today":
			return day.Format("2006-01-02")
		case "yesterday":
			return day.AddDate(0, 0, -1).Format("2006-01-02")
		default:
			return day.AddDate(0, 0, 1).Format("2006-01-02")
		}
	})
	s = relDaysAgoRe.ReplaceAllStringFunc(s, func(m string) string {
		digits := relDaysAgoRe.FindStringSubmatch(m)
		days, err := strconv.Atoi(digits[1])
		if err != nil {
			return m
		}
		return "on " + day.AddDate(0, 0, -days).Format("2006-01-02")
	})
	return s
}

// completeSubject prepends the canonical user token when the chunk opens
// with a bare predicate ("Likes coffee." → "the user likes coffee.").
func completeSubject(s string) string {
	first, rest, _ := strings.Cut(s, " ")
	core, _, suffix := stripPunct(first)
	lower := strings.ToLower(core)
	if !leadVerbs[lower] {
		return s
	}
	out := SubjectToken + " " + lower + suffix
	if rest != "" {
		out += " " + rest
	}
	return out
}
