package server

import (
	"sync"
	"testing"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// fakeTransport records every frame sent through it.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) SendFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Frames decodes everything sent so far.
func (f *fakeTransport) Frames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]protocol.Frame, 0, len(f.frames))
	for _, data := range f.frames {
		if frame, err := protocol.ParseFrame(data); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

// FramesOfType decodes the sent frames of one packet kind.
func (f *fakeTransport) FramesOfType(packetType uint32) []protocol.Frame {
	var matched []protocol.Frame
	for _, frame := range f.Frames() {
		if frame.Type == packetType {
			matched = append(matched, frame)
		}
	}
	return matched
}

// newTestClient builds a connected client over a fake transport.
func newTestClient(id uint32, admin bool) (*Client, *fakeTransport) {
	transport := &fakeTransport{}
	client := newClient(id, transport)
	client.SetConnected(true)
	client.admin.Store(admin)
	return client, transport
}

// newTestPool builds a pool that is stopped when the test finishes.
func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool := NewPool(MinThreads, nil)
	t.Cleanup(pool.Stop)
	return pool
}

// newTestChannel builds a channel that is closed when the test finishes.
func newTestChannel(t *testing.T, id uint32, name string, secret bool) (*Channel, *Pool) {
	t.Helper()
	pool := newTestPool(t)
	ch := NewChannel(id, name, secret, pool, nil)
	t.Cleanup(ch.Close)
	return ch, pool
}
