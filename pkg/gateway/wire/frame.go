package wire

import (
	"errors"
	"io"
)

// MaxFrameLength bounds a single wire frame (topic byte plus body), guarding
// against a peer announcing an unreasonable length prefix.
const MaxFrameLength = 16 << 20

// ErrOversizedFrame is returned when a peer announces a frame larger than
// MaxFrameLength.
var ErrOversizedFrame = errors.New("wire: frame length exceeds maximum")

// WriteFrame writes a length-prefixed frame: a uint32 length followed by
// payload. Framing is length-prefixed rather than delimiter-based so a
// payload may contain arbitrary bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := writeUint32(w, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameLength {
		return nil, ErrOversizedFrame
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
