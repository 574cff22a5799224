// Package tamagawa enables working with Tamagawa 23 bit absolute encoders
// behind a serial interface that answers a single request byte with a six
// byte position frame.
package tamagawa

import (
	"errors"
	"io"
	"time"

	"github.com/nasa-jpl/gearprecision/comm"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const (
	// DefaultBaud is the line rate of the encoder interface
	DefaultBaud = 2500000

	// ReadTimeout bounds how long a single frame may take to arrive
	ReadTimeout = 100 * time.Millisecond

	// idleTimeout is how long the port stays open with nobody reading it
	idleTimeout = 5 * time.Second

	// openBudget is how long opening the port is retried
	openBudget = 3 * time.Second
)

// flusher is satisfied by *serial.Port
type flusher interface {
	Flush() error
}

// SerialConf makes a new serial.Config with correct parity, baud, etc, set.
func SerialConf(addr string, baud int) *serial.Config {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: ReadTimeout}
}

// SerialMaker returns a comm.CreationFunc opening the port described by conf
func SerialMaker(conf *serial.Config) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Encoder reads positions from the encoder.  The underlying connection is
// leased from a single-slot pool for every transaction, so an Encoder may be
// shared by goroutines but they never interleave on the wire.
type Encoder struct {
	pool   *comm.Pool
	logger *zap.SugaredLogger
}

// NewEncoder creates an Encoder whose connection is produced by maker.
// The connection is opened lazily and closed again when idle.
func NewEncoder(maker comm.CreationFunc, logger *zap.SugaredLogger) *Encoder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Encoder{
		pool:   comm.NewPool(1, idleTimeout, comm.RetryOpen(maker, openBudget)),
		logger: logger,
	}
}

// NewSerialEncoder creates an Encoder on a serial port, e.g. /dev/ttyUSB0 or COM43
func NewSerialEncoder(addr string, baud int, logger *zap.SugaredLogger) *Encoder {
	return NewEncoder(SerialMaker(SerialConf(addr, baud)), logger)
}

// Read requests and decodes one frame.  A Reading with CountingError set is
// returned without an error; the caller decides whether to trust it.
func (e *Encoder) Read() (Reading, error) {
	rw, err := e.pool.Get()
	if err != nil {
		return Reading{}, err
	}
	if _, err = rw.Write([]byte{Header}); err != nil {
		e.pool.Destroy(rw)
		return Reading{}, err
	}
	buf := make([]byte, FrameSize)
	n, err := io.ReadFull(rw, buf)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			e.pool.Destroy(rw)
			return Reading{}, err
		}
		e.discard(rw)
		e.pool.Put(rw)
		return Reading{}, LengthError(n)
	}
	r, err := Decode(buf)
	if err != nil {
		e.discard(rw)
	}
	e.pool.Put(rw)
	return r, err
}

// discard drops any stale bytes so the next frame starts aligned
func (e *Encoder) discard(rw io.ReadWriter) {
	if f, ok := rw.(flusher); ok {
		if err := f.Flush(); err != nil {
			e.logger.Warnw("flushing encoder port failed", "error", err)
		}
	}
}

// Close closes the serial handle if it is open.  The encoder stays usable and
// reopens the port on the next Read.
func (e *Encoder) Close() error {
	return e.pool.Drain()
}
