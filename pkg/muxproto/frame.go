package muxproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// headerSize is the fixed size of a mux frame header: four little-endian
// uint32 fields, in order: total_length, version, request, tag.
const headerSize = 16

// VersionPlist is the only version this client sends: plist framing.
const VersionPlist = 1

// RequestPlist is the constant "plist message" request category used for
// all traffic on the mux socket.
const RequestPlist = 8

// DefaultTag is the client-chosen correlation tag used on every request.
// Since every mux interaction on a given connection is either strict
// request/reply or a dedicated subscription, a single constant tag is
// sufficient.
const DefaultTag = 1

// ErrShortRead is returned when the underlying stream ends mid-frame.
var ErrShortRead = errors.New("muxproto: short read")

// Header is the 16-byte mux frame header.
type Header struct {
	TotalLength uint32
	Version     uint32
	Request     uint32
	Tag         uint32
}

// PayloadLength returns the number of payload bytes following the header.
func (h Header) PayloadLength() int {
	return int(h.TotalLength) - headerSize
}

// ReadFrame reads one frame header and its payload from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hb [headerSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, nil, ErrShortRead
		}
		return Header{}, nil, fmt.Errorf("read frame header: %w", err)
	}

	h := Header{
		TotalLength: binary.LittleEndian.Uint32(hb[0:4]),
		Version:     binary.LittleEndian.Uint32(hb[4:8]),
		Request:     binary.LittleEndian.Uint32(hb[8:12]),
		Tag:         binary.LittleEndian.Uint32(hb[12:16]),
	}
	if h.TotalLength < headerSize {
		return Header{}, nil, fmt.Errorf("muxproto: invalid total_length %d", h.TotalLength)
	}

	n := h.PayloadLength()
	if n == 0 {
		return h, nil, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, nil, ErrShortRead
		}
		return Header{}, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return h, payload, nil
}

// WriteFrame writes one frame with the given payload, using the standard
// plist version/request/tag constants.
func WriteFrame(w io.Writer, payload []byte) error {
	var hb [headerSize]byte
	binary.LittleEndian.PutUint32(hb[0:4], uint32(headerSize+len(payload)))
	binary.LittleEndian.PutUint32(hb[4:8], VersionPlist)
	binary.LittleEndian.PutUint32(hb[8:12], RequestPlist)
	binary.LittleEndian.PutUint32(hb[12:16], DefaultTag)

	if _, err := w.Write(hb[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// FramedConn wraps a stream connection with atomic whole-frame read/write:
// concurrent ReadFrame or WriteFrame calls on the same FramedConn never
// interleave bytes on the wire.
type FramedConn struct {
	rw io.ReadWriter

	rmu sync.Mutex
	wmu sync.Mutex
}

// NewFramedConn wraps rw for atomic frame I/O.
func NewFramedConn(rw io.ReadWriter) *FramedConn {
	return &FramedConn{rw: rw}
}

// ReadFrame reads one complete frame, holding the read lock for the
// duration of the header+payload read.
func (c *FramedConn) ReadFrame() (Header, []byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return ReadFrame(c.rw)
}

// WriteFrame writes one complete frame, holding the write lock for the
// duration of the header+payload write.
func (c *FramedConn) WriteFrame(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rw, payload)
}
