package engine

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packed integer/string framing, adapted from the teacher's
// internal/replica/encoding.go (ReadPackedUint/ReadPackedString), which
// itself models DragonflyDB/Redis's RDB length encoding. Reused here for
// the keyspace snapshot rather than for RDB interop.
const (
	packed6Bit  = 0
	packed14Bit = 1
	packed32Bit = 0x80
	packed64Bit = 0x81
)

func writePackedUint(w io.ByteWriter, v uint64) {
	switch {
	case v < 1<<6:
		_ = w.WriteByte(byte(v))
	case v < 1<<14:
		_ = w.WriteByte(byte(packed14Bit<<6) | byte(v>>8))
		_ = w.WriteByte(byte(v))
	case v <= 0xFFFFFFFF:
		_ = w.WriteByte(packed32Bit)
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(v))
		for _, b := range buf {
			_ = w.WriteByte(b)
		}
	default:
		_ = w.WriteByte(packed64Bit)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v)
		for _, b := range buf {
			_ = w.WriteByte(b)
		}
	}
}

func readPackedUint(r io.ByteReader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch (first >> 6) & 0x03 {
	case packed6Bit:
		return uint64(first & 0x3F), nil
	case packed14Bit:
		second, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return (uint64(first&0x3F) << 8) | uint64(second), nil
	case 2:
		switch first {
		case packed32Bit:
			var buf [4]byte
			for i := range buf {
				b, err := r.ReadByte()
				if err != nil {
					return 0, err
				}
				buf[i] = b
			}
			return uint64(binary.BigEndian.Uint32(buf[:])), nil
		case packed64Bit:
			var buf [8]byte
			for i := range buf {
				b, err := r.ReadByte()
				if err != nil {
					return 0, err
				}
				buf[i] = b
			}
			return binary.BigEndian.Uint64(buf[:]), nil
		}
		return 0, fmt.Errorf("engine: invalid packed length marker 0x%02x", first)
	default:
		return 0, fmt.Errorf("engine: unsupported packed encoding 0x%02x", first)
	}
}

func writePackedString(w interface {
	io.ByteWriter
	io.Writer
}, s string) {
	writePackedUint(w, uint64(len(s)))
	_, _ = w.Write([]byte(s))
}

func readPackedString(r interface {
	io.ByteReader
	io.Reader
}) (string, error) {
	length, err := readPackedUint(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
