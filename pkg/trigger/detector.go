// Package trigger decides when the bot was addressed and produces the
// spoken reply.
package trigger

import (
	"strings"
)

const tokenCutset = " ,.!?;:-\"'`~"

func normalizeToken(tok string) string {
	return strings.Trim(strings.ToLower(tok), tokenCutset)
}

func tokenize(text string) []string {
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := normalizeToken(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Detector matches configured address phrases anywhere in an utterance,
// token by token, ignoring case and punctuation.
type Detector struct {
	phrases [][]string
}

// NewDetector tokenizes the address phrases once up front.
func NewDetector(phrases []string) *Detector {
	d := &Detector{}
	for _, p := range phrases {
		if tokens := tokenize(p); len(tokens) > 0 {
			d.phrases = append(d.phrases, tokens)
		}
	}
	return d
}

// Match reports whether the text contains any address phrase.
func (d *Detector) Match(text string) bool {
	if text == "" || len(d.phrases) == 0 {
		return false
	}
	tokens := tokenize(text)

	for _, phrase := range d.phrases {
		for i := 0; i+len(phrase) <= len(tokens); i++ {
			hit := true
			for j := range phrase {
				if tokens[i+j] != phrase[j] {
					hit = false
					break
				}
			}
			if hit {
				return true
			}
		}
	}
	return false
}
