package tamagawa

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/gearprecision/util"
)

// frames are encoded as
// [HEADER] [STATUS] [D0] [D1] [D2] [BCC]
// HEADER is always 0x02 and echoes the request byte.
// STATUS bit 4 is the counting error flag.
// D0..D2 is a little endian 23 bit absolute position.
// BCC is the exclusive or of the five bytes before it.

const (
	// Header is the request byte and the first byte of every response
	Header = 0x02

	// FrameSize is the length of a response frame in bytes
	FrameSize = 6

	// Resolution is the number of counts per revolution (23 bits)
	Resolution = 1 << 23

	positionMask     = Resolution - 1
	countingErrorBit = 4
)

var (
	// ErrProtocol is generated when a frame is received but is malformed.
	// The frame should be discarded and the sample retried.
	ErrProtocol = errors.New("tamagawa: protocol error")

	// ErrTimeout is generated when the encoder did not answer with a full
	// frame within the read timeout
	ErrTimeout = errors.New("tamagawa: timeout")

	// ErrCountingError is generated when a frame is valid but the encoder
	// reports that its count may be wrong
	ErrCountingError = errors.New("tamagawa: encoder counting error")
)

// HeaderError is generated when the first byte of a frame is not Header
type HeaderError byte

func (e HeaderError) Error() string {
	return fmt.Sprintf("tamagawa: invalid header byte 0x%02X, expected 0x%02X", byte(e), Header)
}

// Is makes HeaderError an ErrProtocol
func (e HeaderError) Is(target error) bool { return target == ErrProtocol }

// ChecksumError is generated when the BCC byte does not match the frame
type ChecksumError struct {
	Computed, Received byte
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("tamagawa: BCC mismatch, computed 0x%02X received 0x%02X", e.Computed, e.Received)
}

// Is makes ChecksumError an ErrProtocol
func (e ChecksumError) Is(target error) bool { return target == ErrProtocol }

// LengthError is generated when fewer than FrameSize bytes were available.
// It is a timeout, not malformed data.
type LengthError int

func (e LengthError) Error() string {
	return fmt.Sprintf("tamagawa: short frame, got %d of %d bytes", int(e), FrameSize)
}

// Is makes LengthError an ErrTimeout
func (e LengthError) Is(target error) bool { return target == ErrTimeout }

// Reading is one decoded sample from the encoder
type Reading struct {
	// Position is the raw 23 bit count
	Position uint32 `json:"position"`

	// Angle is Position scaled to degrees, [0, 360)
	Angle float64 `json:"angle"`

	// CountingError mirrors the status flag of the frame
	CountingError bool `json:"countingError"`
}

// NewReading builds a Reading from a raw count
func NewReading(pos uint32, countingError bool) Reading {
	pos &= positionMask
	return Reading{Position: pos, Angle: CountsToDegrees(pos), CountingError: countingError}
}

// CountsToDegrees converts a raw count to degrees
func CountsToDegrees(pos uint32) float64 {
	return float64(pos) * 360.0 / Resolution
}

// DegreesToCounts is the inverse of CountsToDegrees, truncating to a whole count
func DegreesToCounts(deg float64) uint32 {
	return uint32(deg*Resolution/360.0) & positionMask
}

// BCC computes the exclusive or of all bytes in buf
func BCC(buf []byte) byte {
	var bcc byte
	for _, b := range buf {
		bcc ^= b
	}
	return bcc
}

// Decode renders a response frame into a Reading.  The checksum is verified
// before the header.  Decode holds no state.
func Decode(frame []byte) (Reading, error) {
	if len(frame) < FrameSize {
		return Reading{}, LengthError(len(frame))
	}
	frame = frame[:FrameSize]
	if bcc := BCC(frame[:FrameSize-1]); bcc != frame[FrameSize-1] {
		return Reading{}, ChecksumError{Computed: bcc, Received: frame[FrameSize-1]}
	}
	if frame[0] != Header {
		return Reading{}, HeaderError(frame[0])
	}
	pos := uint32(frame[4])<<16 | uint32(frame[3])<<8 | uint32(frame[2])
	return NewReading(pos, util.GetBit(frame[1], countingErrorBit)), nil
}

// Encode produces the response frame for a reading, the inverse of Decode
func Encode(r Reading) []byte {
	pos := r.Position & positionMask
	frame := []byte{
		Header,
		util.SetBit(0, countingErrorBit, r.CountingError),
		byte(pos),
		byte(pos >> 8),
		byte(pos >> 16),
		0,
	}
	frame[FrameSize-1] = BCC(frame[:FrameSize-1])
	return frame
}
