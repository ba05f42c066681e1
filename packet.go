package mysqlcore

import (
	"bytes"
	"context"
	"io"
)

// maxPayloadPerFrame is the largest payload a single MySQL packet frame can
// carry. Payloads at or above this size are split across multiple frames,
// the last of which may be empty.
const maxPayloadPerFrame = 1<<24 - 1

// packetStream frames and deframes MySQL protocol packets over an
// underlying byte stream, tracking the per-direction sequence id.
type packetStream struct {
	rw       io.ReadWriter
	seq      uint8
	maxPkt   uint32 // 0 means unlimited
}

func newPacketStream(rw io.ReadWriter) *packetStream {
	return &packetStream{rw: rw, maxPkt: 1 << 24}
}

func (p *packetStream) resetSequence() { p.seq = 0 }

// syncSequence sets the sequence counter to n. transport.enableCompression
// does not call it: it carries the plaintext counter over with
// compressedReadWriter.syncSequence and then resets this one.
func (p *packetStream) syncSequence(n uint8) { p.seq = n }

func (p *packetStream) setMaxAllowedPacket(n uint32) { p.maxPkt = n }

// readPacket reads one logical packet, transparently reassembling any
// continuation frames. It returns a *ProtocolError on a sequence gap or
// malformed header, wrapped as fatal.
func (p *packetStream) readPacket(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	for {
		if err := ctx.Err(); err != nil {
			return nil, newFatalError("readPacket", err)
		}
		var hdr [4]byte
		if _, err := io.ReadFull(p.rw, hdr[:]); err != nil {
			return nil, newFatalError("readPacket", err)
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		if seq != p.seq {
			return nil, newProtocolError("readPacket", "sequence id mismatch: got %d, want %d", seq, p.seq)
		}
		p.seq++

		frame := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(p.rw, frame); err != nil {
				return nil, newFatalError("readPacket", err)
			}
		}
		buf.Write(frame)
		if length < maxPayloadPerFrame {
			return buf.Bytes(), nil
		}
	}
}

// writePacket frames payload into one or more packets, splitting at
// maxPayloadPerFrame boundaries (emitting a trailing empty frame when the
// payload length is an exact multiple of the boundary).
func (p *packetStream) writePacket(ctx context.Context, payload []byte) error {
	if p.maxPkt != 0 && uint32(len(payload)) > p.maxPkt {
		return ErrPacketTooLarge
	}
	for {
		if err := ctx.Err(); err != nil {
			return newFatalError("writePacket", err)
		}
		n := len(payload)
		if n > maxPayloadPerFrame {
			n = maxPayloadPerFrame
		}
		chunk := payload[:n]
		payload = payload[n:]

		var hdr [4]byte
		hdr[0] = byte(n)
		hdr[1] = byte(n >> 8)
		hdr[2] = byte(n >> 16)
		hdr[3] = p.seq
		p.seq++

		if _, err := p.rw.Write(hdr[:]); err != nil {
			return newFatalError("writePacket", err)
		}
		if len(chunk) > 0 {
			if _, err := p.rw.Write(chunk); err != nil {
				return newFatalError("writePacket", err)
			}
		}
		if n < maxPayloadPerFrame {
			return nil
		}
	}
}
