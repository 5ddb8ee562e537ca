package spam

import (
	"math"
	"regexp"
	"strings"
)

// linkPattern matches http and https URLs so link-only messages can be
// exempted before scoring.
var linkPattern = regexp.MustCompile(`https?://\S+`)

// Classifier scores messages against a shared immutable Model. Scoring
// is deterministic: identical input and model always yield the same
// score. No state is mutated at call time.
type Classifier struct {
	model     *Model
	minLength int
}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	// Model to score against. Defaults to the embedded-corpus model.
	Model *Model

	// MinLength exempts messages shorter than this after normalization.
	// Defaults to 10.
	MinLength int
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ClassifierOptions) *Classifier {
	if opts.Model == nil {
		opts.Model = DefaultModel()
	}
	if opts.MinLength <= 0 {
		opts.MinLength = 10
	}
	return &Classifier{model: opts.Model, minLength: opts.MinLength}
}

// Score returns a spam likelihood in [0,1]. Low average transition
// probability under the model means the text deviates from natural
// symbol patterns and scores high. Short and link-only messages are
// exempt and return 0.
func (c *Classifier) Score(text string) float64 {
	stripped := linkPattern.ReplaceAllString(text, " ")
	norm := Normalize(stripped)
	if len(norm) < c.minLength {
		return 0
	}

	var sum float64
	var n int
	for i := 0; i+2 < len(norm); i++ {
		sum += c.model.logProb(norm[i : i+3])
		n++
	}
	if n == 0 {
		return 0
	}

	// Geometric mean of the transition probabilities, inverted so that
	// unnatural text scores near 1.
	return 1 - math.Exp(sum/float64(n))
}

// CapsRatio returns the fraction of letters in text that are uppercase.
// Returns 0 when the text holds no letters.
func CapsRatio(text string) float64 {
	var letters, upper int
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		case r >= 'a' && r <= 'z':
			letters++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// invitePattern matches chat-network invite links.
var invitePattern = regexp.MustCompile(`(?i)(discord\.gg|discordapp\.com/invite)/\S+`)

// HasInvite reports whether text contains an invite link.
func HasInvite(text string) bool {
	return invitePattern.MatchString(text)
}

// isLinkOnly reports whether text contains nothing but links and
// whitespace.
func isLinkOnly(text string) bool {
	rest := linkPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(rest) == "" && strings.TrimSpace(text) != ""
}
