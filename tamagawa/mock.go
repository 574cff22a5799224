package tamagawa

import (
	"io"
	"os"
	"sync"

	"github.com/nasa-jpl/gearprecision/comm"
)

// MockPort is an io.ReadWriteCloser that behaves like the encoder on the end
// of a serial line.  Every Header byte written queues one frame.
type MockPort struct {
	// Angle is sampled once per request, in degrees
	Angle func() float64

	// CountingError, if not nil, is sampled once per request
	CountingError func() bool

	// Mangle, if not nil, may alter or truncate each frame before it is queued
	Mangle func([]byte) []byte

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// Write queues a response for each request byte in b
func (m *MockPort) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, os.ErrClosed
	}
	for _, c := range b {
		if c != Header {
			continue
		}
		var deg float64
		if m.Angle != nil {
			deg = m.Angle()
		}
		cerr := m.CountingError != nil && m.CountingError()
		frame := Encode(NewReading(DegreesToCounts(deg), cerr))
		if m.Mangle != nil {
			frame = m.Mangle(frame)
		}
		m.pending = append(m.pending, frame...)
	}
	return len(b), nil
}

// Read returns queued bytes, or io.EOF as a real port does on read timeout
func (m *MockPort) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, os.ErrClosed
	}
	if len(m.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(b, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// Flush discards queued bytes
func (m *MockPort) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

// Close closes the port
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockMaker returns a comm.CreationFunc producing a fresh MockPort that
// reports angle
func MockMaker(angle func() float64) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return &MockPort{Angle: angle}, nil
	}
}
