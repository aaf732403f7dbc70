package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
		data []byte
	}{
		{"empty payload", Share, nil},
		{"small payload", SimpleCommand, []byte("ls -la")},
		{"binary payload", Stdout, []byte{0x00, 0xff, 0x10, 0x7f}},
		{"max tag", Type(255), []byte("x")},
		{"min tag", Type(1), []byte("x")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)
			if err := enc.Encode(tc.typ, tc.data); err != nil {
				t.Fatalf("Encode: %v", err)
			}

			dec := NewDecoder(&buf)
			got, err := dec.Read()
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got.Type != tc.typ {
				t.Fatalf("type = %v, want %v", got.Type, tc.typ)
			}
			if !bytes.Equal(got.Data, tc.data) && !(len(got.Data) == 0 && len(tc.data) == 0) {
				t.Fatalf("data = %v, want %v", got.Data, tc.data)
			}
		})
	}
}

func TestDecoderHandlesArbitraryChunking(t *testing.T) {
	var full bytes.Buffer
	enc := NewEncoder(&full)
	if err := enc.Encode(Stdout, []byte("hello world")); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(Stderr, []byte("oops")); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := full.Bytes()
	r, w := io.Pipe()
	go func() {
		defer w.Close()
		for i := 0; i < len(raw); i += 3 {
			end := i + 3
			if end > len(raw) {
				end = len(raw)
			}
			w.Write(raw[i:end])
		}
	}()

	dec := NewDecoder(r)
	f1, err := dec.Read()
	if err != nil {
		t.Fatalf("Read 1: %v", err)
	}
	if f1.Type != Stdout || string(f1.Data) != "hello world" {
		t.Fatalf("frame 1 = %+v", f1)
	}

	f2, err := dec.Read()
	if err != nil {
		t.Fatalf("Read 2: %v", err)
	}
	if f2.Type != Stderr || string(f2.Data) != "oops" {
		t.Fatalf("frame 2 = %+v", f2)
	}
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(Stdout, make([]byte, 100)); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoderSize(&buf, 10)
	if _, err := dec.Read(); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecoderRejectsZeroType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0})

	dec := NewDecoder(&buf)
	if _, err := dec.Read(); err != ErrInvalidType {
		t.Fatalf("err = %v, want ErrInvalidType", err)
	}
}

func TestHeaderLengthMatchesPayload(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	payload := []byte("0123456789")
	if err := enc.Encode(Stdin, payload); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := buf.Bytes()
	length := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	if int(length) != len(payload) {
		t.Fatalf("header length = %d, want %d", length, len(payload))
	}
	if len(raw) != headerSize+len(payload) {
		t.Fatalf("total frame length = %d, want %d", len(raw), headerSize+len(payload))
	}
}
