package codec_test

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/meshcitadel/meshcitadel/internal/codec"
)

// stripSuffix removes the " [i/N]" tag from a frame, failing the test if
// the expected tag is missing.
func stripSuffix(t *testing.T, frame string, i, n int) string {
	t.Helper()
	tag := fmt.Sprintf(" [%d/%d]", i, n)
	if !strings.HasSuffix(frame, tag) {
		t.Fatalf("frame %d missing suffix %q: %q", i, tag, frame)
	}
	return strings.TrimSuffix(frame, tag)
}

func TestShortMessageSingleFrame(t *testing.T) {
	frames := codec.Chunk("hello world", 140)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0] != "hello world" {
		t.Errorf("frame = %q", frames[0])
	}
	if strings.Contains(frames[0], "[1/1]") {
		t.Error("single frame must not carry a suffix")
	}
}

func TestEmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		frames := codec.Chunk(in, 140)
		if len(frames) != 1 {
			t.Fatalf("Chunk(%q) gave %d frames, want 1", in, len(frames))
		}
		if !strings.Contains(frames[0], "error") {
			t.Errorf("Chunk(%q) = %q, want error frame", in, frames[0])
		}
	}
}

// The 204-byte regression message must split into exactly two tagged
// frames of at most 140 bytes, with every word preserved in order.
func TestLongMessageTwoFrames(t *testing.T) {
	input := "this is a test of a very long message" +
		strings.Repeat(" abcde", 27) + " abcd"
	if len(input) != 204 {
		t.Fatalf("fixture length = %d, want 204", len(input))
	}

	frames := codec.Chunk(input, 140)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2: %q", len(frames), frames)
	}
	for i, f := range frames {
		if len(f) > 140 {
			t.Errorf("frame %d is %d bytes, over 140", i+1, len(f))
		}
	}

	p1 := stripSuffix(t, frames[0], 1, 2)
	p2 := stripSuffix(t, frames[1], 2, 2)
	if got := p1 + " " + p2; got != input {
		t.Errorf("reassembly mismatch:\n got %q\nwant %q", got, input)
	}
}

func TestManyFramesWideSuffix(t *testing.T) {
	input := strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", 60))

	frames := codec.Chunk(input, 140)
	if len(frames) < 10 {
		t.Fatalf("fixture too small: %d frames", len(frames))
	}
	n := len(frames)
	var words []string
	for i, f := range frames {
		if len(f) > 140 {
			t.Errorf("frame %d is %d bytes, over 140", i+1, len(f))
		}
		words = append(words, strings.Fields(stripSuffix(t, f, i+1, n))...)
	}
	if got, want := strings.Join(words, " "), input; got != want {
		t.Error("word sequence not preserved across frames")
	}
}

func TestWordLongerThanFrame(t *testing.T) {
	input := "x " + strings.Repeat("y", 400) + " z"
	frames := codec.Chunk(input, 64)
	for i, f := range frames {
		if len(f) > 64 {
			t.Errorf("frame %d is %d bytes, over 64", i+1, len(f))
		}
	}
	joined := strings.ReplaceAll(strings.Join(frames, ""), " ", "")
	for i := 1; i <= len(frames); i++ {
		joined = strings.ReplaceAll(joined, fmt.Sprintf("[%d/%d]", i, len(frames)), "")
	}
	if !strings.Contains(joined, strings.Repeat("y", 400)) {
		t.Error("oversized word not preserved")
	}
}

func TestUTF8NotSplitMidRune(t *testing.T) {
	input := "prefix " + strings.Repeat("ü", 200) + " suffix"
	frames := codec.Chunk(input, 60)
	for i, f := range frames {
		if !utf8.ValidString(f) {
			t.Errorf("frame %d split mid-rune: %q", i+1, f)
		}
	}
}

func TestDeterministic(t *testing.T) {
	input := strings.Repeat("deterministic output please ", 20)
	a := codec.Chunk(input, 100)
	b := codec.Chunk(input, 100)
	if len(a) != len(b) {
		t.Fatal("frame counts differ across runs")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("frame %d differs across runs", i)
		}
	}
}

// ceil(L/M') frame-count bound from the chunking contract.
func TestFrameCountBound(t *testing.T) {
	for _, size := range []int{150, 300, 500, 1000, 2000} {
		input := strings.TrimSpace(strings.Repeat("ab cdef ghij ", size/12))
		frames := codec.Chunk(input, 140)
		// Effective payload capacity is max minus the suffix and space.
		capacity := 140 - 8
		maxFrames := (len(input)+capacity-1)/capacity + 1
		if len(frames) > maxFrames {
			t.Errorf("input %d bytes: %d frames exceeds bound %d",
				len(input), len(frames), maxFrames)
		}
	}
}
