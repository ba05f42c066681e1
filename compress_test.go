package mysqlcore

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressedRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x00}},
		{"hello world", []byte("hello world")},
		{"below threshold", bytes.Repeat([]byte{'a'}, compressedMinLength-1)},
		{"at threshold", bytes.Repeat([]byte{'a'}, compressedMinLength)},
		{"100 bytes", bytes.Repeat([]byte{'b'}, 100)},
		{"32768 bytes", bytes.Repeat([]byte{'c'}, 32768)},
		{"330000 bytes", bytes.Repeat([]byte{'d'}, 330000)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rw := &pipeRW{}
			w := newCompressedReadWriter(rw)
			r := newCompressedReadWriter(rw)

			if _, err := w.Write(c.data); err != nil {
				t.Fatalf("write: %v", err)
			}
			got := make([]byte, len(c.data))
			if len(c.data) > 0 {
				n, err := r.Read(got)
				if err != nil {
					t.Fatalf("read: %v", err)
				}
				got = got[:n]
			}
			if !bytes.Equal(got, c.data) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(c.data))
			}
		})
	}
}

func TestCompressedRoundTripRandomSizes(t *testing.T) {
	for _, n := range []int{10, 100, 32768, 33000} {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			t.Fatal(err)
		}
		rw := &pipeRW{}
		w := newCompressedReadWriter(rw)
		r := newCompressedReadWriter(rw)
		if _, err := w.Write(buf); err != nil {
			t.Fatalf("write %d: %v", n, err)
		}
		got := make([]byte, n)
		if _, err := r.Read(got); err != nil {
			t.Fatalf("read %d: %v", n, err)
		}
		if !bytes.Equal(got, buf) {
			t.Fatalf("mismatch at size %d", n)
		}
	}
}

func TestCompressedSequenceIncrementsPerFrame(t *testing.T) {
	rw := &pipeRW{}
	w := newCompressedReadWriter(rw)
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if w.seq != 1 {
		t.Fatalf("seq = %d, want 1 after one frame", w.seq)
	}
	if _, err := w.Write(bytes.Repeat([]byte{'y'}, 1000)); err != nil {
		t.Fatal(err)
	}
	if w.seq != 2 {
		t.Fatalf("seq = %d, want 2 after two frames", w.seq)
	}
}
