package agent

import (
	"io"
	"sync"

	"github.com/omasakun/remote-tasks/internal/domain"
)

// outputBuffer accumulates captured child output between flushes. Appends
// from the capture writers and drains from the flusher are mutually
// exclusive; draining is split into snapshot+discard so entries survive a
// failed upload and appends landing mid-flush are kept for the next one.
type outputBuffer struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

func newOutputBuffer() *outputBuffer { return &outputBuffer{} }

func (b *outputBuffer) append(stream domain.Stream, p []byte) {
	if len(p) == 0 {
		return
	}
	data := make([]byte, len(p))
	copy(data, p)
	b.mu.Lock()
	b.entries = append(b.entries, domain.LogEntry{Stream: stream, Data: data})
	b.mu.Unlock()
}

// snapshot returns the buffered entries without clearing them.
func (b *outputBuffer) snapshot() []domain.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// discard drops the first n entries once their chunk has been acknowledged.
func (b *outputBuffer) discard(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.entries) {
		n = len(b.entries)
	}
	b.entries = b.entries[n:]
}

// streamWriter tees one child stream into the buffer and the runner's own
// stream. Echo failures must not disturb capture, so they are dropped.
type streamWriter struct {
	buf    *outputBuffer
	stream domain.Stream
	echo   io.Writer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.append(w.stream, p)
	if w.echo != nil {
		_, _ = w.echo.Write(p)
	}
	return len(p), nil
}
