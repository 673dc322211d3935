package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Each frame is a 4-byte big-endian payload length followed by one CBOR
// encoded Message.
const frameHeaderLength = 4

// MaxFrameLength bounds a single frame. Artifact chunks are sized well
// below it.
const MaxFrameLength = 16 * 1024 * 1024

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(payload), MaxFrameLength)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. A clean end of stream before the
// header returns io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameLength {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, MaxFrameLength)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
