package mysqlcore

import (
	"context"
	"encoding/binary"
	"io"
)

// Command is a COM_* command byte.
type Command byte

const (
	ComQuit            Command = 0x01
	ComInitDB          Command = 0x02
	ComQuery           Command = 0x03
	ComFieldList       Command = 0x04
	ComCreateDB        Command = 0x05
	ComDropDB          Command = 0x06
	ComRefresh         Command = 0x07
	ComStatistics      Command = 0x09
	ComProcessKill     Command = 0x0c
	ComPing            Command = 0x0e
	ComChangeUser      Command = 0x11
	ComStmtPrepare     Command = 0x16
	ComStmtExecute     Command = 0x17
	ComStmtSendLongData Command = 0x18
	ComStmtClose       Command = 0x19
	ComStmtReset       Command = 0x1a
	ComSetOption       Command = 0x1b
	ComStmtFetch       Command = 0x1c
	ComResetConnection Command = 0x1f
)

// writeCommand enforces the clean-dirty precondition (no pending result),
// resets the outbound sequence counter, and writes cmd||body as a single
// packet. Any pending result makes it return ErrBusy; Conn.WriteCommand
// goes through this same check. An oversize payload (ErrPacketTooLarge)
// is rejected before any bytes are sent and leaves the connection usable;
// any other write error marks it disconnected.
func (c *Conn) writeCommand(ctx context.Context, cmd Command, body []byte) error {
	if c.session.pending.Kind != PendingNone {
		return ErrBusy
	}
	if c.session.disconnected {
		return ErrDisconnected
	}
	c.t.resetSequence()
	payload := make([]byte, 1+len(body))
	payload[0] = byte(cmd)
	copy(payload[1:], body)
	if err := c.t.writePacket(ctx, payload); err != nil {
		if err != ErrPacketTooLarge {
			c.fail(err)
		}
		return err
	}
	c.session.touch()
	return nil
}

// readResponsePacket reads one packet and, if it is an OK or ERR packet,
// updates session state. It returns the raw bytes; an ERR packet is also
// returned as a *ServerError. A LOCAL INFILE request (0xfb) is handled transparently: the file
// is relayed to the server and the resulting OK/ERR is what's returned.
// Any other packet is returned unmodified for the row-stream collaborator
// to interpret.
func (c *Conn) readResponsePacket(ctx context.Context) ([]byte, error) {
	pkt, err := c.t.readPacket(ctx)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.session.touch()
	if len(pkt) == 0 {
		return pkt, nil
	}
	switch pkt[0] {
	case headerOK:
		ok, err := parseOKPacket(pkt, c.session.capabilities)
		if err != nil {
			c.fail(err)
			return nil, err
		}
		c.session.handleOK(ok)
	case headerErr:
		se := parseErrPacketWire(pkt)
		c.session.handleErr(&errPacket{code: se.Code, sqlState: se.SQLState, message: se.Message})
		return pkt, se
	case headerLocalInfile:
		return c.relayLocalInfile(ctx, string(pkt[1:]))
	}
	return pkt, nil
}

// relayLocalInfile implements the LOAD DATA LOCAL INFILE protocol (§6): the
// server names a file, the client streams it back in one or more packets,
// and a final empty packet tells the server the transfer is done. With no
// handler configured, or if the handler errors, the transfer is aborted by
// sending the empty packet immediately; the server then replies with its
// own ERR, which is read and returned like any other command response.
func (c *Conn) relayLocalInfile(ctx context.Context, filename string) ([]byte, error) {
	handler := c.cfg.LocalInfileHandler
	if handler == nil {
		if err := c.t.writePacket(ctx, nil); err != nil {
			c.fail(err)
			return nil, err
		}
		return c.readResponsePacket(ctx)
	}

	rc, err := handler(ctx, filename)
	if err != nil {
		if werr := c.t.writePacket(ctx, nil); werr != nil {
			c.fail(werr)
			return nil, werr
		}
		return c.readResponsePacket(ctx)
	}
	defer rc.Close()

	buf := make([]byte, 16*1024)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if werr := c.t.writePacket(ctx, buf[:n]); werr != nil {
				c.fail(werr)
				return nil, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = c.t.writePacket(ctx, nil) // best-effort abort, server will ERR
			c.fail(rerr)
			return nil, rerr
		}
	}
	if err := c.t.writePacket(ctx, nil); err != nil {
		c.fail(err)
		return nil, err
	}
	return c.readResponsePacket(ctx)
}

func parseOKPacket(pkt []byte, caps Capability) (*okPacket, error) {
	if len(pkt) == 0 || (pkt[0] != headerOK && pkt[0] != headerEOF) {
		return nil, newProtocolError("parseOKPacket", "not an OK packet")
	}
	b := pkt[1:]
	ok := &okPacket{}
	var n int
	ok.affectedRows, b, n = readLenEncInt(b)
	if n < 0 {
		return nil, newProtocolError("parseOKPacket", "truncated affected_rows")
	}
	ok.lastInsertID, b, n = readLenEncInt(b)
	if n < 0 {
		return nil, newProtocolError("parseOKPacket", "truncated last_insert_id")
	}
	if caps.has(capClientProtocol41) || caps.has(capClientTransactions) {
		if len(b) < 2 {
			return nil, newProtocolError("parseOKPacket", "truncated status flags")
		}
		ok.statusFlags = binary.LittleEndian.Uint16(b[:2])
		b = b[2:]
		if caps.has(capClientProtocol41) {
			if len(b) < 2 {
				return nil, newProtocolError("parseOKPacket", "truncated warnings")
			}
			ok.warnings = binary.LittleEndian.Uint16(b[:2])
			b = b[2:]
		}
	}
	ok.info = string(b)
	return ok, nil
}

// parseErrPacketWire parses a full ERR packet (0xff prefix, 2-byte code,
// optional '#'+5-byte sqlstate, rest is message).
func parseErrPacketWire(pkt []byte) *ServerError {
	if len(pkt) < 3 {
		return &ServerError{Message: "malformed error packet"}
	}
	b := pkt[1:]
	code := binary.LittleEndian.Uint16(b[:2])
	b = b[2:]
	se := &ServerError{Code: code}
	if len(b) >= 6 && b[0] == '#' {
		se.SQLState = string(b[1:6])
		b = b[6:]
	}
	se.Message = string(b)
	return se
}

// readLenEncInt reads a length-encoded integer, returning the remaining
// slice and the number of bytes consumed (-1 on truncation).
func readLenEncInt(b []byte) (uint64, []byte, int) {
	if len(b) == 0 {
		return 0, b, -1
	}
	switch {
	case b[0] < 0xfb:
		return uint64(b[0]), b[1:], 1
	case b[0] == 0xfc:
		if len(b) < 3 {
			return 0, b, -1
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), b[3:], 3
	case b[0] == 0xfd:
		if len(b) < 4 {
			return 0, b, -1
		}
		v := uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16
		return v, b[4:], 4
	case b[0] == 0xfe:
		if len(b) < 9 {
			return 0, b, -1
		}
		return binary.LittleEndian.Uint64(b[1:9]), b[9:], 9
	default: // 0xfb is the NULL marker, not a valid length here
		return 0, b, -1
	}
}

func isEOFPacket(pkt []byte, caps Capability) bool {
	return len(pkt) > 0 && pkt[0] == headerEOF && len(pkt) < 9 && !caps.has(capClientDeprecateEOF)
}
