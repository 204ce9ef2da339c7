package utils

import (
	"math/rand"
	"strings"
)

// Spintax expands spintax blocks like "{Hi|Hello|Hey} there" by picking
// one option per block. Used as an anti-throttling content variation on
// campaign bodies; it must never change recipient targeting, only text.
// Nested blocks are resolved innermost-first.
func Spintax(text string, rng *rand.Rand) string {
	for i := 0; i < 100; i++ { // bail out on malformed input
		start, end := innermostBlock(text)
		if start < 0 {
			break
		}
		options := strings.Split(text[start+1:end], "|")
		choice := options[0]
		if rng != nil && len(options) > 1 {
			choice = options[rng.Intn(len(options))]
		}
		text = text[:start] + choice + text[end+1:]
	}
	return text
}

// innermostBlock finds the first {...} block containing no nested braces
func innermostBlock(text string) (int, int) {
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			start = i
		case '}':
			if start >= 0 {
				return start, i
			}
		}
	}
	return -1, -1
}
