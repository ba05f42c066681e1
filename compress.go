package mysqlcore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressedMinLength is the uncompressed-size threshold below which the
// MySQL compressed protocol sends a packet with a zero uncompressed-length
// field (i.e. the body is raw) rather than paying for zlib framing.
const compressedMinLength = 50

// compressedReadWriter wraps a net.Conn-like stream in the MySQL
// compressed-packet container: a 7-byte header (3-byte compressed length,
// 1-byte sequence id, 3-byte uncompressed length) wrapping each zlib-framed
// (or raw, if uncompressedLength == 0) chunk.
type compressedReadWriter struct {
	rw  io.ReadWriter
	seq uint8

	pending bytes.Buffer // decompressed bytes not yet consumed by Read
}

func newCompressedReadWriter(rw io.ReadWriter) *compressedReadWriter {
	return &compressedReadWriter{rw: rw}
}

func (c *compressedReadWriter) Read(p []byte) (int, error) {
	for c.pending.Len() == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	return c.pending.Read(p)
}

func (c *compressedReadWriter) readFrame() error {
	var hdr [7]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return err
	}
	compLen := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq := hdr[3]
	uncompLen := int(hdr[4]) | int(hdr[5])<<8 | int(hdr[6])<<16
	if seq != c.seq {
		return fmt.Errorf("mysqlcore: compressed packet sequence mismatch: got %d, want %d", seq, c.seq)
	}
	c.seq++

	body := make([]byte, compLen)
	if compLen > 0 {
		if _, err := io.ReadFull(c.rw, body); err != nil {
			return err
		}
	}
	if uncompLen == 0 {
		c.pending.Write(body)
		return nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mysqlcore: decompressing packet: %w", err)
	}
	defer zr.Close()
	if _, err := io.Copy(&c.pending, zr); err != nil {
		return fmt.Errorf("mysqlcore: decompressing packet: %w", err)
	}
	return nil
}

// Write compresses and frames exactly one MySQL-compressed-protocol packet
// per call, whatever bytes it is given; packetStream.writePacket calls it
// once for each plaintext header and once for each payload chunk.
func (c *compressedReadWriter) Write(p []byte) (int, error) {
	if len(p) < compressedMinLength {
		if err := c.writeFrame(p, 0); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(p); err != nil {
		return 0, fmt.Errorf("mysqlcore: compressing packet: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("mysqlcore: compressing packet: %w", err)
	}
	if err := c.writeFrame(zbuf.Bytes(), len(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *compressedReadWriter) writeFrame(compressed []byte, uncompLen int) error {
	var hdr [7]byte
	n := len(compressed)
	hdr[0] = byte(n)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n >> 16)
	hdr[3] = c.seq
	c.seq++
	hdr[4] = byte(uncompLen)
	hdr[5] = byte(uncompLen >> 8)
	hdr[6] = byte(uncompLen >> 16)

	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	if n > 0 {
		if _, err := c.rw.Write(compressed); err != nil {
			return err
		}
	}
	return nil
}

// syncSequence mirrors packetStream.syncSequence: the compressed layer's
// counter starts wherever the plaintext layer's counter was at the moment
// compression was switched on.
func (c *compressedReadWriter) syncSequence(n uint8) { c.seq = n }
