package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame. Fetch responses carry compressed
// history windows, so the bound is generous.
const maxFrameSize = 32 << 20

// writeFrame writes one frame: 4-byte big-endian length, then the bytes.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload:\n%w", err)
	}

	return data, nil
}
