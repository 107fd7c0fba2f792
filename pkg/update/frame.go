package update

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Relay update payloads arrive as length-prefixed chunks: a 4-byte
// big-endian length followed by that many bytes, terminated by a
// zero-length frame. FrameReader unwraps that framing into a plain byte
// stream so the relay path shares ApplyFromStream's verify-and-replace
// contract.
type FrameReader struct {
	r         io.Reader
	remaining int
	done      bool
}

// Maximum single frame accepted from the relay. Frames are transport
// chunks, not whole artifacts; anything larger indicates a corrupt stream.
const maxFrameSize = 16 << 20

// NewFrameReader wraps a relay stream.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

func (fr *FrameReader) Read(p []byte) (int, error) {
	if fr.done {
		return 0, io.EOF
	}

	if fr.remaining == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return 0, fmt.Errorf("failed to read frame header: %w", err)
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size == 0 {
			fr.done = true
			return 0, io.EOF
		}
		if size > maxFrameSize {
			return 0, fmt.Errorf("frame of %d bytes exceeds limit", size)
		}
		fr.remaining = int(size)
	}

	if len(p) > fr.remaining {
		p = p[:fr.remaining]
	}
	n, err := fr.r.Read(p)
	fr.remaining -= n
	if err == io.EOF && fr.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
