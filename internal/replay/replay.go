// Package replay reconstructs captured process output from stored log chunks.
//
// Rendering is pure: the same chunks and position always produce the same
// bytes, so a scrub/slider interface can re-render any position without
// re-fetching. Entry payloads are opaque binary and are concatenated without
// any decoding or charset assumptions.
package replay

import (
	"bytes"

	"github.com/omasakun/remote-tasks/internal/domain"
)

// Clamp bounds a requested position to the valid range [0, n] for n chunks.
func Clamp(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}

// Render returns the exact byte stream of chunks [0, pos), each chunk's
// entries in recorded order. Render(chunks, k) is always a prefix of
// Render(chunks, k+1).
func Render(chunks []domain.LogChunk, pos int) []byte {
	return render(chunks, pos, func(domain.LogEntry) bool { return true })
}

// RenderStream is Render restricted to entries of one stream.
func RenderStream(chunks []domain.LogChunk, pos int, stream domain.Stream) []byte {
	return render(chunks, pos, func(e domain.LogEntry) bool { return e.Stream == stream })
}

func render(chunks []domain.LogChunk, pos int, keep func(domain.LogEntry) bool) []byte {
	pos = Clamp(pos, len(chunks))
	var buf bytes.Buffer
	for _, c := range chunks[:pos] {
		for _, e := range c.Entries {
			if keep(e) {
				buf.Write(e.Data)
			}
		}
	}
	return buf.Bytes()
}
