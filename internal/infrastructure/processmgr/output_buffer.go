package processmgr

import "sync"

// Stream names used for captured output.
const (
	Stdout string = "stdout"
	Stderr string = "stderr"
)

// OutputSink receives captured child output one line at a time.
// Append is called concurrently from the stdout and stderr readers.
type OutputSink interface {
	Append(stream, line string)
}

// OutputLine is one captured line.
type OutputLine struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

const outputBufferLines = 500

// OutputBuffer is a thread-safe ring of the last outputBufferLines lines.
// Append is O(1); Read copies.
type OutputBuffer struct {
	mu      sync.RWMutex
	entries [outputBufferLines]OutputLine
	head    int // next write position
	size    int
}

// Append stores a line, overwriting the oldest once full.
func (b *OutputBuffer) Append(stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = OutputLine{Stream: stream, Text: line}
	b.head = (b.head + 1) % outputBufferLines
	if b.size < outputBufferLines {
		b.size++
	}
}

// Read returns up to lines entries ordered newest → oldest.
// lines <= 0 or above the capacity returns everything retained.
func (b *OutputBuffer) Read(lines int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if lines <= 0 || lines > b.size {
		lines = b.size
	}

	out := make([]OutputLine, lines)
	newest := (b.head - 1 + outputBufferLines) % outputBufferLines
	for i := 0; i < lines; i++ {
		out[i] = b.entries[(newest-i+outputBufferLines)%outputBufferLines]
	}
	return out
}

// Len is the number of retained lines.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// OutputManager hands out one OutputBuffer per process id, created lazily.
// Buffers survive Reset/respawn so history spans restarts.
type OutputManager struct {
	mu   sync.RWMutex
	bufs map[string]*OutputBuffer
}

func NewOutputManager() *OutputManager {
	return &OutputManager{bufs: make(map[string]*OutputBuffer)}
}

// Get returns the buffer for id, creating it when missing.
func (om *OutputManager) Get(id string) *OutputBuffer {
	om.mu.Lock()
	defer om.mu.Unlock()

	if buf, ok := om.bufs[id]; ok {
		return buf
	}
	buf := new(OutputBuffer)
	om.bufs[id] = buf
	return buf
}

// Lookup returns the buffer for id without creating one.
func (om *OutputManager) Lookup(id string) (*OutputBuffer, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	buf, ok := om.bufs[id]
	return buf, ok
}

// Drop forgets the buffer for id.
func (om *OutputManager) Drop(id string) {
	om.mu.Lock()
	defer om.mu.Unlock()
	delete(om.bufs, id)
}
