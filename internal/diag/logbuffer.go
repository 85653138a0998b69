package diag

import (
	"bytes"
	"strings"
	"sync"

	"ozealis-ng/internal/ring"
)

// LogBuffer keeps the newest log lines in memory for the status API.
// It implements zapcore.WriteSyncer so it can be teed behind the main logger.
type LogBuffer struct {
	mu      sync.Mutex
	lines   *ring.Ring[string]
	partial []byte
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{lines: ring.New[string](maxLines)}
}

// Write splits p into lines. A trailing fragment is held until its newline arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(string(data[:i]))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *LogBuffer) Sync() error { return nil }

func (b *LogBuffer) appendLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines.Push(line)
}

// Snapshot returns up to tail newest complete lines (200 when tail <= 0).
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tail <= 0 {
		tail = 200
	}
	return b.lines.Tail(tail), b.lines.Dropped()
}
