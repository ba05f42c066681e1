package mysqlcore

import (
	"context"
	"strconv"
)

// queryScalarString and queryScalarUint run a single-column, single-row
// text query and decode its one value. They exist only for the
// post-handshake variable discovery spec.md §4.3 requires
// (@@socket/@@max_allowed_packet/@@wait_timeout); mysqlcore does not
// otherwise expose a general row-decoding API — that is the RowStream
// collaborator's job.
func queryScalarString(ctx context.Context, t *transport, s *sessionState, query string) (string, error) {
	t.resetSequence()
	body := append([]byte{byte(ComQuery)}, query...)
	if err := t.writePacket(ctx, body); err != nil {
		return "", err
	}
	return readScalarTextResult(ctx, t, s)
}

func queryScalarUint(ctx context.Context, t *transport, s *sessionState, query string) (uint64, error) {
	v, err := queryScalarString(ctx, t, s, query)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, newProtocolError("queryScalarUint", "non-numeric response to %q: %q", query, v)
	}
	return n, nil
}

func runInitStatement(ctx context.Context, t *transport, s *sessionState, stmt string) error {
	t.resetSequence()
	body := append([]byte{byte(ComQuery)}, stmt...)
	if err := t.writePacket(ctx, body); err != nil {
		return err
	}
	pkt, err := t.readPacket(ctx)
	if err != nil {
		return err
	}
	if len(pkt) == 0 {
		return newProtocolError("runInitStatement", "empty response")
	}
	switch pkt[0] {
	case headerOK:
		return nil
	case headerErr:
		return parseErrPacketWire(pkt)
	default:
		// Result-returning init statement: drain it like any other
		// result set so the next command sees a clean connection.
		return drainTextResult(ctx, t, s, pkt)
	}
}

// readScalarTextResult reads a minimal single-column text resultset and
// returns the first row's single value (empty string if the row is NULL).
func readScalarTextResult(ctx context.Context, t *transport, s *sessionState) (string, error) {
	first, err := t.readPacket(ctx)
	if err != nil {
		return "", err
	}
	if len(first) == 0 {
		return "", newProtocolError("readScalarTextResult", "empty response")
	}
	if first[0] == headerErr {
		return "", parseErrPacketWire(first)
	}
	if first[0] == headerOK {
		return "", nil
	}
	colCount, _, n := readLenEncInt(first)
	if n < 0 {
		return "", newProtocolError("readScalarTextResult", "malformed column count")
	}

	// Column definition packets.
	for i := uint64(0); i < colCount; i++ {
		if _, err := t.readPacket(ctx); err != nil {
			return "", err
		}
	}
	if !s.capabilities.has(capClientDeprecateEOF) {
		if _, err := t.readPacket(ctx); err != nil { // EOF after column defs
			return "", err
		}
	}

	row, err := t.readPacket(ctx)
	if err != nil {
		return "", err
	}
	var value string
	if len(row) > 0 && row[0] != headerEOF && row[0] != headerErr {
		if len(row) > 0 && row[0] == 0xfb {
			value = ""
		} else {
			strLen, rest, ln := readLenEncInt(row)
			if ln > 0 && uint64(len(rest)) >= strLen {
				value = string(rest[:strLen])
			}
		}
	}

	// Drain until end of resultset (row EOF/OK, or deprecate-EOF OK row).
	for {
		pkt, err := t.readPacket(ctx)
		if err != nil {
			return "", err
		}
		if len(pkt) == 0 {
			continue
		}
		if pkt[0] == headerEOF || pkt[0] == headerOK {
			break
		}
		if pkt[0] == headerErr {
			return "", parseErrPacketWire(pkt)
		}
	}
	return value, nil
}

// drainTextResult drains a resultset whose first packet (the column
// count) has already been read.
func drainTextResult(ctx context.Context, t *transport, s *sessionState, firstPkt []byte) error {
	colCount, _, n := readLenEncInt(firstPkt)
	if n < 0 {
		return newProtocolError("drainTextResult", "malformed column count")
	}
	for i := uint64(0); i < colCount; i++ {
		if _, err := t.readPacket(ctx); err != nil {
			return err
		}
	}
	if !s.capabilities.has(capClientDeprecateEOF) {
		if _, err := t.readPacket(ctx); err != nil {
			return err
		}
	}
	for {
		pkt, err := t.readPacket(ctx)
		if err != nil {
			return err
		}
		if len(pkt) == 0 {
			continue
		}
		if pkt[0] == headerEOF || pkt[0] == headerOK {
			return nil
		}
		if pkt[0] == headerErr {
			return parseErrPacketWire(pkt)
		}
	}
}
