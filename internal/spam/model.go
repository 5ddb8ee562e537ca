// Package spam scores message text for flood and gibberish likelihood
// with a 2-symbol Markov model, and runs the supplemental moderation
// checks (caps, repeats, invites) that accompany it.
package spam

import (
	_ "embed"
	"math"
	"strings"
	"sync"
)

//go:embed corpus.txt
var corpus string

// alphabetSize covers the lowercase letters plus space. Everything else
// is normalized to space before scoring.
const alphabetSize = 27

// Model holds 2-symbol transition counts trained from a fixed corpus.
// It is immutable after construction and safe for unlocked concurrent
// reads.
type Model struct {
	prefixCounts map[string]int
	transCounts  map[string]int
}

// Train builds a Model from a training text. The text is normalized the
// same way scored messages are, so model and input share one symbol
// space.
func Train(text string) *Model {
	m := &Model{
		prefixCounts: make(map[string]int),
		transCounts:  make(map[string]int),
	}
	norm := Normalize(text)
	for i := 0; i+2 < len(norm); i++ {
		m.prefixCounts[norm[i:i+2]]++
		m.transCounts[norm[i:i+3]]++
	}
	return m
}

var (
	defaultModel *Model
	defaultOnce  sync.Once
)

// DefaultModel returns the model trained from the embedded corpus. The
// model is built once and shared.
func DefaultModel() *Model {
	defaultOnce.Do(func() {
		defaultModel = Train(corpus)
	})
	return defaultModel
}

// logProb returns the add-one smoothed log transition probability of the
// third symbol of tri given its 2-symbol prefix.
func (m *Model) logProb(tri string) float64 {
	count := m.transCounts[tri]
	total := m.prefixCounts[tri[:2]]
	return math.Log(float64(count+1) / float64(total+alphabetSize))
}

// Normalize lowercases text, maps every rune outside a-z to space, and
// collapses runs of spaces. The result contains only model symbols.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	space := true
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
