// Package wire implements the length-framed binary wire protocol spoken
// between gateways: one Event per frame, a topic byte followed by a
// fixed-layout body. The varint/varbytes helpers and the encode-then-hash
// idiom are grounded on the teacher's block/certificate.go, adapted to the
// standard library directly since the teacher's own encoding package lives
// outside this module's dependency closure.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrOversizedField rejects a length prefix larger than any field this
// protocol carries, guarding against a corrupt or hostile peer driving an
// unbounded allocation.
var ErrOversizedField = errors.New("wire: field length exceeds maximum")

// MaxFieldLength bounds any single varbytes field.
const MaxFieldLength = 8 << 20

func writeVarInt(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readVarInt(r io.Reader) (uint64, error) {
	var buf [1]byte
	var result uint64
	var shift uint
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		b := buf[0]
		result |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.New("wire: varint overflow")
		}
	}
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFieldLength {
		return nil, ErrOversizedField
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func write32(w io.Writer, b [32]byte) error {
	_, err := w.Write(b[:])
	return err
}

func read32(r io.Reader) ([32]byte, error) {
	var b [32]byte
	_, err := io.ReadFull(r, b[:])
	return b, err
}
