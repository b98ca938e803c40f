package storage

import (
	"bufio"
	"bytes"
	"testing"
)

func TestCodecRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := newBinWriter(bufio.NewWriter(&buf))

	if err := w.WriteUint8(200); err != nil {
		t.Fatalf("write uint8: %v", err)
	}
	if err := w.WriteInt16(-1234); err != nil {
		t.Fatalf("write int16: %v", err)
	}
	if err := w.WriteUint32(123456789); err != nil {
		t.Fatalf("write uint32: %v", err)
	}
	if err := w.WriteFloat64(3.14159); err != nil {
		t.Fatalf("write float64: %v", err)
	}
	if err := w.WriteBool(true); err != nil {
		t.Fatalf("write bool: %v", err)
	}
	if err := w.WriteString("hello"); err != nil {
		t.Fatalf("write string: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := newBinReader(bufio.NewReader(bytes.NewReader(buf.Bytes())), 0)
	if v, err := r.ReadUint8(); err != nil || v != 200 {
		t.Fatalf("uint8 = %v, %v", v, err)
	}
	if v, err := r.ReadInt16(); err != nil || v != -1234 {
		t.Fatalf("int16 = %v, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 123456789 {
		t.Fatalf("uint32 = %v, %v", v, err)
	}
	if v, err := r.ReadFloat64(); err != nil || v != 3.14159 {
		t.Fatalf("float64 = %v, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || v != true {
		t.Fatalf("bool = %v, %v", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "hello" {
		t.Fatalf("string = %q, %v", v, err)
	}
	if w.CRC() != r.CRC() {
		t.Errorf("writer CRC %d != reader CRC %d", w.CRC(), r.CRC())
	}
}

func TestCodecEmptyStringRoundtrips(t *testing.T) {
	var buf bytes.Buffer
	w := newBinWriter(bufio.NewWriter(&buf))
	if err := w.WriteString(""); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Flush()

	r := newBinReader(bufio.NewReader(bytes.NewReader(buf.Bytes())), 0)
	s, err := r.ReadString()
	if err != nil || s != "" {
		t.Fatalf("got %q, %v", s, err)
	}
}

func TestCodecStringAtCapRoundtrips(t *testing.T) {
	s := make([]byte, DefaultStringCap)
	for i := range s {
		s[i] = 'x'
	}

	var buf bytes.Buffer
	w := newBinWriter(bufio.NewWriter(&buf))
	if err := w.WriteString(string(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Flush()

	r := newBinReader(bufio.NewReader(bytes.NewReader(buf.Bytes())), DefaultStringCap)
	got, err := r.ReadString()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != DefaultStringCap {
		t.Fatalf("expected length %d, got %d", DefaultStringCap, len(got))
	}
}

func TestCodecStringOverCapFailsRead(t *testing.T) {
	s := make([]byte, DefaultStringCap+1)

	var buf bytes.Buffer
	w := newBinWriter(bufio.NewWriter(&buf))
	if err := w.WriteString(string(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Flush()

	r := newBinReader(bufio.NewReader(bytes.NewReader(buf.Bytes())), DefaultStringCap)
	if _, err := r.ReadString(); err == nil {
		t.Fatal("expected an error for a string longer than the cap")
	}
}
