// Package codec chunks outbound text into radio-safe frames.
//
// The mesh radio delivers at most one frame per transmission, so longer
// responses are split on word boundaries and tagged with an "[i/N]"
// suffix. Inbound traffic is single-frame; no reassembly exists here.
// The codec is pure and deterministic.
package codec

import (
	"fmt"
	"strings"
)

// DefaultMaxFrame is the default maximum frame payload in bytes.
const DefaultMaxFrame = 140

// Suffix reservation in bytes, excluding the separating space.
// "[i/N]" occupies 5 bytes for single-digit counts and up to 7 for
// two-digit counts.
const (
	suffixReserveSmall = 5
	suffixReserveLarge = 7
)

// errEmptyFrame is sent in place of an empty or unusable input. The codec
// never fails; a broken caller gets a visible frame instead of silence.
const errEmptyFrame = "error: empty message"

// Chunk splits text into frames of at most max bytes each. Multi-frame
// output carries an " [i/N]" suffix on every frame, with suffix space
// reserved before packing. Empty input yields a single error frame.
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxFrame
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{errEmptyFrame}
	}

	if len(text) <= max {
		return []string{text}
	}

	// Estimate the frame count to size the suffix reservation, then
	// repack once if packing spills past the estimate's digit budget.
	reserve := suffixReserveSmall
	if (len(text)+max-1)/max >= 10 {
		reserve = suffixReserveLarge
	}

	for {
		lines := pack(words, max-reserve-1)
		if len(lines) >= 10 && reserve == suffixReserveSmall {
			reserve = suffixReserveLarge
			continue
		}
		if len(lines) == 1 {
			return lines
		}
		frames := make([]string, len(lines))
		for i, line := range lines {
			frames[i] = fmt.Sprintf("%s [%d/%d]", line, i+1, len(lines))
		}
		return frames
	}
}

// pack fills lines greedily with words, each line at most capacity bytes.
// Words longer than capacity are hard-split at rune boundaries.
func pack(words []string, capacity int) []string {
	if capacity < 1 {
		capacity = 1
	}

	var lines []string
	var cur string
	flush := func() {
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
	}

	for _, w := range words {
		for len(w) > capacity {
			head, rest := splitRunes(w, capacity)
			if cur != "" {
				flush()
			}
			lines = append(lines, head)
			w = rest
		}
		switch {
		case cur == "":
			cur = w
		case len(cur)+1+len(w) <= capacity:
			cur += " " + w
		default:
			flush()
			cur = w
		}
	}
	flush()
	return lines
}

// splitRunes cuts s at the largest rune boundary not exceeding n bytes.
func splitRunes(s string, n int) (head, rest string) {
	if len(s) <= n {
		return s, ""
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	if cut == 0 {
		// A single rune wider than the budget; emit it whole rather
		// than corrupt the encoding.
		for i := range s {
			if i > 0 {
				cut = i
				break
			}
		}
		if cut == 0 {
			return s, ""
		}
	}
	return s[:cut], s[cut:]
}
