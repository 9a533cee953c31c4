// Package fingerprint computes 64-bit simhash signatures of news titles.
//
// Titles are normalised to a short window of letters, digits and CJK
// ideographs, split into tokens (ASCII words and CJK character bigrams) and
// folded into one signature. Two titles whose signatures differ in at most
// Threshold bits are treated as near-duplicates.
package fingerprint

import (
	"html"
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/width"
)

const (
	DefaultWindow    = 20
	DefaultThreshold = 15
)

type Hash uint64

// Distance returns the Hamming distance between two signatures.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// Hasher carries the tunable window and threshold. A non-positive Window
// falls back to DefaultWindow and a negative Threshold to DefaultThreshold.
type Hasher struct {
	Window    int
	Threshold int
}

func New(window, threshold int) Hasher {
	return Hasher{Window: window, Threshold: threshold}
}

func (h Hasher) window() int {
	if h.Window <= 0 {
		return DefaultWindow
	}
	return h.Window
}

func (h Hasher) threshold() int {
	if h.Threshold < 0 {
		return DefaultThreshold
	}
	return h.Threshold
}

func (h Hasher) Fingerprint(title string) Hash {
	return Compute(Tokenize(Normalize(title, h.window())))
}

// Similar reports whether two signatures are within the threshold.
func (h Hasher) Similar(a, b Hash) bool {
	return Distance(a, b) <= h.threshold()
}

// Fingerprint hashes a title with the default window.
func Fingerprint(title string) Hash {
	return Compute(Tokenize(Normalize(title, DefaultWindow)))
}

// Normalize decodes HTML entities, folds full-width forms, keeps ASCII
// letters and digits (lower-cased) and CJK unified ideographs, collapses
// whitespace into single separators and truncates to maxRunes runes.
func Normalize(text string, maxRunes int) string {
	text = width.Fold.String(html.UnescapeString(text))
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range text {
		switch {
		case isASCIIAlnum(r):
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		case isHan(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	out := strings.TrimSpace(b.String())
	if maxRunes > 0 {
		n := 0
		for i := range out {
			if n == maxRunes {
				out = out[:i]
				break
			}
			n++
		}
	}
	return strings.TrimSpace(out)
}

// Tokenize splits normalised text into unique tokens in first-seen order.
// ASCII runs are single tokens; CJK runs become overlapping bigrams.
func Tokenize(normalized string) []string {
	var tokens []string
	seen := make(map[string]struct{})
	add := func(tok string) {
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	runes := []rune(normalized)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isASCIIAlnum(r):
			j := i
			for j < len(runes) && isASCIIAlnum(runes[j]) {
				j++
			}
			add(string(runes[i:j]))
			i = j
		case isHan(r):
			j := i
			for j < len(runes) && isHan(runes[j]) {
				j++
			}
			if j-i == 1 {
				add(string(runes[i]))
			}
			for k := i; k+1 < j; k++ {
				add(string(runes[k : k+2]))
			}
			i = j
		default:
			i++
		}
	}
	return tokens
}

// Compute folds token hashes into a simhash signature. A bit is set when
// more tokens set it than clear it.
func Compute(tokens []string) Hash {
	var v [64]int
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				v[i]++
			} else {
				v[i]--
			}
		}
	}
	var out uint64
	for i := 0; i < 64; i++ {
		if v[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return Hash(out)
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isHan(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}
