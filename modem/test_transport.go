package modem

import (
	"io"
	"sync"
	"time"
)

// TestTransport is a test helper that simulates a poll-read serial
// port. Reads drain queued data and return (0, nil) when none is
// pending, exactly like a serial port read timeout, so callers
// exercise their own deadline handling.
//
// Replies are scripted through OnWrite: the hook sees every write and
// queues whatever the fake device should answer.
type TestTransport struct {
	mu      sync.Mutex
	pending []byte
	writes  [][]byte
	closed  bool

	// OnWrite, when set, is called with each write under no lock so it
	// may call QueueRead.
	OnWrite func(p []byte)
}

// NewTestTransport creates a transport for tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{}
}

func (t *TestTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	t.writes = append(t.writes, buf)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(buf)
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	if len(t.pending) == 0 {
		// Simulated poll timeout. The pause keeps deadline-bound
		// callers from spinning hot.
		t.mu.Unlock()
		time.Sleep(time.Millisecond)
		t.mu.Lock()
		if len(t.pending) == 0 {
			return 0, nil
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// QueueRead appends data for subsequent reads, simulating bytes
// arriving from the modem.
func (t *TestTransport) QueueRead(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, data...)
}

// Writes returns everything written so far, one entry per Write call.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	for i, w := range t.writes {
		out[i] = string(w)
	}
	return out
}
