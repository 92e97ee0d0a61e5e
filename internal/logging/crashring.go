package logging

import (
	"bytes"
	"os"

	"github.com/factorio-deck/factorio-deck/internal/ringbuf"
)

// CrashRing keeps the most recent log lines in memory so they can be dumped
// after a panic. Each Write is one record; the oldest record is dropped when
// the ring is full.
type CrashRing struct {
	lines *ringbuf.RingBuffer[[]byte]
}

// NewCrashRing creates a ring holding up to lines records.
func NewCrashRing(lines int) *CrashRing {
	if lines <= 0 {
		lines = 5000
	}
	return &CrashRing{lines: ringbuf.MustNew[[]byte](lines)}
}

// Write implements io.Writer. p is copied; slog reuses its buffers.
func (c *CrashRing) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	c.lines.Add(line)
	return len(p), nil
}

// Bytes returns the retained records in chronological order.
func (c *CrashRing) Bytes() []byte {
	return bytes.Join(c.lines.Items(), nil)
}

// DumpToFile writes the retained records to path.
func (c *CrashRing) DumpToFile(path string) error {
	return os.WriteFile(path, c.Bytes(), 0o644)
}
