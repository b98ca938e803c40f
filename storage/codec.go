// Package storage implements the on-disk engine for traitdb: the streaming
// copy-on-write rewrite engine, the write-ahead log, the LRU read cache, and
// the binary framing every one of them builds on.
package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// DefaultStringCap is the maximum byte length of a length-prefixed string,
// matching the default configured in spec.md §6.
const DefaultStringCap = 4096

// Writer is the abstract binary-serialization sink a record type's Write
// callback writes through. Integers are always little-endian; strings are a
// uint16 length prefix followed by UTF-8 bytes. A running CRC-32 accumulates
// over everything written so the caller can finalize an integrity checksum
// without a second pass over the data.
type Writer interface {
	WriteUint8(v uint8) error
	WriteUint16(v uint16) error
	WriteUint32(v uint32) error
	WriteUint64(v uint64) error
	WriteInt8(v int8) error
	WriteInt16(v int16) error
	WriteInt32(v int32) error
	WriteInt64(v int64) error
	WriteFloat32(v float32) error
	WriteFloat64(v float64) error
	WriteBool(v bool) error
	WriteString(s string) error
	WriteBytes(b []byte) error
	CRC() uint32
}

// Reader is the abstract binary-deserialization source a record type's Read
// callback reads through, with the mirror-image running CRC.
type Reader interface {
	ReadUint8() (uint8, error)
	ReadUint16() (uint16, error)
	ReadUint32() (uint32, error)
	ReadUint64() (uint64, error)
	ReadInt8() (int8, error)
	ReadInt16() (int16, error)
	ReadInt32() (int32, error)
	ReadInt64() (int64, error)
	ReadFloat32() (float32, error)
	ReadFloat64() (float64, error)
	ReadBool() (bool, error)
	ReadString() (string, error)
	ReadBytes(n int) ([]byte, error)
	Skip(n int) error
	CRC() uint32
}

// binWriter is the concrete Writer used by the rewrite engine and the WAL.
// It wraps a bufio.Writer (the "write half" of the rewrite engine's split
// scratch buffer, see rewrite.go) and feeds every byte through a running
// CRC-32 the way storage/wal.go's appendRecord computes a CRC over the
// bytes it has just assembled — except here the CRC accumulates across the
// whole stream instead of being computed once over a finished buffer.
type binWriter struct {
	w    *bufio.Writer
	crc  uint32
	tmp  [8]byte
	err  error
}

func newBinWriter(w *bufio.Writer) *binWriter {
	return &binWriter{w: w, crc: 0}
}

func (bw *binWriter) write(b []byte) error {
	if bw.err != nil {
		return bw.err
	}
	if _, err := bw.w.Write(b); err != nil {
		bw.err = err
		return err
	}
	bw.crc = crc32.Update(bw.crc, crc32.IEEETable, b)
	return nil
}

func (bw *binWriter) WriteUint8(v uint8) error  { return bw.write([]byte{v}) }
func (bw *binWriter) WriteBool(v bool) error {
	if v {
		return bw.WriteUint8(1)
	}
	return bw.WriteUint8(0)
}

func (bw *binWriter) WriteUint16(v uint16) error {
	binary.LittleEndian.PutUint16(bw.tmp[:2], v)
	return bw.write(bw.tmp[:2])
}

func (bw *binWriter) WriteUint32(v uint32) error {
	binary.LittleEndian.PutUint32(bw.tmp[:4], v)
	return bw.write(bw.tmp[:4])
}

func (bw *binWriter) WriteUint64(v uint64) error {
	binary.LittleEndian.PutUint64(bw.tmp[:8], v)
	return bw.write(bw.tmp[:8])
}

func (bw *binWriter) WriteInt8(v int8) error   { return bw.WriteUint8(uint8(v)) }
func (bw *binWriter) WriteInt16(v int16) error { return bw.WriteUint16(uint16(v)) }
func (bw *binWriter) WriteInt32(v int32) error { return bw.WriteUint32(uint32(v)) }
func (bw *binWriter) WriteInt64(v int64) error { return bw.WriteUint64(uint64(v)) }

func (bw *binWriter) WriteFloat32(v float32) error {
	return bw.WriteUint32(math.Float32bits(v))
}

func (bw *binWriter) WriteFloat64(v float64) error {
	return bw.WriteUint64(math.Float64bits(v))
}

func (bw *binWriter) WriteString(s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("%w: string of length %d exceeds uint16 length prefix", ErrInvalidArg, len(s))
	}
	if err := bw.WriteUint16(uint16(len(s))); err != nil {
		return err
	}
	return bw.write([]byte(s))
}

func (bw *binWriter) WriteBytes(b []byte) error { return bw.write(b) }

func (bw *binWriter) CRC() uint32 { return bw.crc }

// Flush flushes the underlying buffered writer.
func (bw *binWriter) Flush() error {
	if bw.err != nil {
		return bw.err
	}
	return bw.w.Flush()
}

// binReader is the concrete Reader used by the rewrite engine, the WAL
// scanner, and the read overlay's main-file scan.
type binReader struct {
	r        *bufio.Reader
	crc      uint32
	stringCap int
	tmp      [8]byte
}

func newBinReader(r *bufio.Reader, stringCap int) *binReader {
	if stringCap <= 0 {
		stringCap = DefaultStringCap
	}
	return &binReader{r: r, crc: 0, stringCap: stringCap}
}

func (br *binReader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(br.r, buf); err != nil {
		return nil, err
	}
	br.crc = crc32.Update(br.crc, crc32.IEEETable, buf)
	return buf, nil
}

func (br *binReader) ReadUint8() (uint8, error) {
	b, err := br.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (br *binReader) ReadBool() (bool, error) {
	v, err := br.ReadUint8()
	return v != 0, err
}

func (br *binReader) ReadUint16() (uint16, error) {
	b, err := br.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (br *binReader) ReadUint32() (uint32, error) {
	b, err := br.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (br *binReader) ReadUint64() (uint64, error) {
	b, err := br.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (br *binReader) ReadInt8() (int8, error) {
	v, err := br.ReadUint8()
	return int8(v), err
}

func (br *binReader) ReadInt16() (int16, error) {
	v, err := br.ReadUint16()
	return int16(v), err
}

func (br *binReader) ReadInt32() (int32, error) {
	v, err := br.ReadUint32()
	return int32(v), err
}

func (br *binReader) ReadInt64() (int64, error) {
	v, err := br.ReadUint64()
	return int64(v), err
}

func (br *binReader) ReadFloat32() (float32, error) {
	v, err := br.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (br *binReader) ReadFloat64() (float64, error) {
	v, err := br.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (br *binReader) ReadString() (string, error) {
	n, err := br.ReadUint16()
	if err != nil {
		return "", err
	}
	if int(n) > br.stringCap {
		return "", fmt.Errorf("%w: string length %d exceeds cap %d", ErrCorrupt, n, br.stringCap)
	}
	if n == 0 {
		return "", nil
	}
	b, err := br.read(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (br *binReader) ReadBytes(n int) ([]byte, error) { return br.read(n) }

func (br *binReader) Skip(n int) error {
	_, err := br.read(n)
	return err
}

func (br *binReader) CRC() uint32 { return br.crc }
