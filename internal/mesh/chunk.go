// ABOUTME: Frame-size segmentation for outbound text.
// ABOUTME: Splits oversized payloads into numbered chunks without breaking runes.

package mesh

import "fmt"

// DefaultChunkSize is the usable payload size per radio frame. The mesh
// text limit is around 200 bytes; 190 leaves room for the chunk prefix.
const DefaultChunkSize = 190

// Chunk splits text into segments of at most max bytes each, breaking at
// rune boundaries. Multi-part results carry a "[i/n] " prefix so
// receivers can reassemble in order. A text within the limit is returned
// as a single unprefixed segment.
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = DefaultChunkSize
	}
	if len(text) <= max {
		return []string{text}
	}

	parts := splitRunes(text, max)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), p)
	}
	return out
}

// splitRunes cuts s into pieces of at most max bytes each, never
// splitting a UTF-8 sequence.
func splitRunes(s string, max int) []string {
	var parts []string
	for len(s) > max {
		cut := max
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max // degenerate input, cut anyway
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		parts = append(parts, s)
	}
	return parts
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
