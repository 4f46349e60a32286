// Package syllable segments run-together pinyin into space-separated
// syllables, e.g. "nihaoya" becomes "ni hao ya".
//
// Each run of latin letters is split into the fewest valid syllables; when
// several splits tie, the one with the longer leading syllable wins, so
// "xian" stays whole while "xi'an" becomes "xi an". A tone digit directly
// after a syllable stays attached to it. Spaces, apostrophes and hyphens
// separate words and are not copied to the output. Other punctuation is kept
// next to the word it follows.
//
// Letters that cannot be part of any syllable are kept as a fragment in
// place. With a positive correction threshold, such a fragment is replaced
// by the most similar syllable by Jaro-Winkler similarity, provided the score
// reaches the threshold.
package syllable

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// unknownCost outweighs any number of syllables a word could hold, so the
// segmentation first minimizes unmatched letters, then syllable count.
const unknownCost = 1 << 16

// Option is a functional option for configuring a [Splitter].
type Option func(*Splitter)

// WithCorrectionThreshold enables nearest-syllable correction for fragments
// that match no syllable. Zero, the default, disables correction.
func WithCorrectionThreshold(threshold float64) Option {
	return func(s *Splitter) {
		s.threshold = threshold
	}
}

// Splitter segments pinyin text. It is read-only after construction and
// safe for concurrent use.
type Splitter struct {
	threshold float64
}

// New returns a [Splitter] configured with the supplied options.
func New(opts ...Option) *Splitter {
	s := &Splitter{}
	for _, o := range opts {
		o(s)
	}
	return s
}

var defaultSplitter = New()

// Split segments text with the default, non-correcting splitter.
func Split(text string) string {
	return defaultSplitter.Split(text)
}

type tokenKind int

const (
	kindWord tokenKind = iota
	kindPunct
	kindOpen
)

type token struct {
	text string
	kind tokenKind
}

// Split returns text with every pinyin word broken into syllables separated
// by single spaces. Empty or separator-only input yields "".
func (s *Splitter) Split(text string) string {
	runes := []rune(text)
	var toks []token

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isPinyinLetter(r):
			j := i
			for j < len(runes) && isPinyinLetter(runes[j]) {
				j++
			}
			words := s.segment(runes[i:j])
			if j < len(runes) && isToneDigit(runes[j]) {
				words[len(words)-1] += string(runes[j])
				j++
			}
			for _, w := range words {
				toks = append(toks, token{text: w, kind: kindWord})
			}
			i = j

		case isSeparator(r):
			i++

		case unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i
			for j < len(runes) && !isPinyinLetter(runes[j]) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			toks = append(toks, token{text: string(runes[i:j]), kind: kindWord})
			i = j

		default:
			kind := kindPunct
			if unicode.In(r, unicode.Ps, unicode.Pi) {
				kind = kindOpen
			}
			toks = append(toks, token{text: string(r), kind: kind})
			i++
		}
	}

	return join(toks)
}

func join(toks []token) string {
	var b strings.Builder
	glue := true
	for _, t := range toks {
		if !glue && t.kind != kindPunct {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
		glue = t.kind == kindOpen
	}
	return b.String()
}

// segment splits one run of pinyin letters. The result is never empty.
func (s *Splitter) segment(word []rune) []string {
	n := len(word)
	lower := make([]rune, n)
	for i, r := range word {
		lower[i] = unicode.ToLower(r)
	}

	// cost[i] is the cheapest segmentation of lower[i:]; next[i] is where the
	// first piece of that segmentation ends.
	cost := make([]int, n+1)
	next := make([]int, n+1)
	known := make([]bool, n+1)
	for i := n - 1; i >= 0; i-- {
		cost[i] = unknownCost + cost[i+1]
		next[i] = i + 1
		for l := 1; l <= maxSyllableLen && i+l <= n; l++ {
			if _, ok := syllableSet[string(lower[i:i+l])]; !ok {
				continue
			}
			// <= so that a longer syllable wins a tie.
			if c := 1 + cost[i+l]; c <= cost[i] {
				cost[i] = c
				next[i] = i + l
				known[i] = true
			}
		}
	}

	var out []string
	unknownFrom := -1
	flush := func(end int) {
		if unknownFrom < 0 {
			return
		}
		out = append(out, s.correct(string(word[unknownFrom:end])))
		unknownFrom = -1
	}
	for i := 0; i < n; i = next[i] {
		if !known[i] {
			if unknownFrom < 0 {
				unknownFrom = i
			}
			continue
		}
		flush(i)
		out = append(out, string(word[i:next[i]]))
	}
	flush(n)
	return out
}

// correct maps an unmatched fragment to its nearest syllable when correction
// is enabled and the similarity reaches the threshold.
func (s *Splitter) correct(fragment string) string {
	if s.threshold <= 0 {
		return fragment
	}
	lower := strings.ToLower(fragment)
	best, bestScore := "", 0.0
	for _, syl := range syllableList {
		if score := matchr.JaroWinkler(lower, syl, false); score > bestScore {
			best, bestScore = syl, score
		}
	}
	if best == "" || bestScore < s.threshold {
		return fragment
	}
	return best
}

func isPinyinLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == 'ü' || r == 'Ü'
}

func isToneDigit(r rune) bool {
	return r >= '0' && r <= '5'
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || r == '\'' || r == '’' || r == '-'
}
