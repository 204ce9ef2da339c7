package utils

import (
	"math/rand"
	"strings"
	"testing"
)

func TestSpintaxPicksOneOption(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := Spintax("{Hi|Hello|Hey} there", rng)

	valid := map[string]bool{"Hi there": true, "Hello there": true, "Hey there": true}
	if !valid[got] {
		t.Errorf("Spintax() = %q, not a valid expansion", got)
	}
}

func TestSpintaxNested(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	got := Spintax("{Good {morning|evening}|Hello}", rng)

	valid := map[string]bool{"Good morning": true, "Good evening": true, "Hello": true}
	if !valid[got] {
		t.Errorf("Spintax() = %q, not a valid expansion", got)
	}
}

func TestSpintaxNoBlocksUnchanged(t *testing.T) {
	if got := Spintax("plain text", nil); got != "plain text" {
		t.Errorf("Spintax() = %q, want unchanged", got)
	}
}

func TestSpintaxNilRngTakesFirstOption(t *testing.T) {
	if got := Spintax("{a|b|c} and {x|y}", nil); got != "a and x" {
		t.Errorf("Spintax() = %q, want %q", got, "a and x")
	}
}

func TestSpintaxMalformedDoesNotLoop(t *testing.T) {
	// Unbalanced braces must not hang or panic
	got := Spintax("broken { block", rand.New(rand.NewSource(1)))
	if !strings.Contains(got, "broken") {
		t.Errorf("Spintax() = %q, lost surrounding text", got)
	}
}

func TestSpintaxCoversAllOptionsEventually(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[Spintax("{a|b|c}", rng)] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Errorf("option %q never chosen in 200 draws", want)
		}
	}
}
