package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 4

	// MaxFrameSize is the largest frame body a Decoder accepts.
	MaxFrameSize = 256 << 20

	// readLimit is the size of a single read from the underlying stream.
	readLimit = 32768
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// AppendFrame appends the length-prefixed encoding of payload to dst.
// The prefix is a 4-byte little-endian body length.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Decoder reassembles frames from arbitrarily split chunks of a byte stream.
// It is not safe for concurrent use; each transport owns one on its read loop.
type Decoder struct {
	buf []byte
	max int
}

func NewDecoder() *Decoder {
	return &Decoder{max: MaxFrameSize}
}

// Feed appends chunk to the internal buffer and returns every frame that is now complete, in order.
// A trailing partial frame stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)
	limit := d.max
	if limit == 0 {
		limit = MaxFrameSize
	}

	var frames [][]byte
	off := 0
	for len(d.buf)-off >= headerSize {
		n := binary.LittleEndian.Uint32(d.buf[off:])
		if uint64(n) > uint64(limit) {
			d.buf = nil
			return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		end := off + headerSize + int(n)
		if len(d.buf) < end {
			break
		}
		frame := make([]byte, n)
		copy(frame, d.buf[off+headerSize:end])
		frames = append(frames, frame)
		off = end
	}

	switch {
	case off == len(d.buf):
		d.buf = d.buf[:0]
	case off > 0:
		d.buf = append([]byte(nil), d.buf[off:]...)
	}
	return frames, nil
}

// Buffered returns the number of bytes held for a partial frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
