package pool

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
)

// startFakeMySQLServer listens on an ephemeral localhost port and serves
// one fake handshake per accepted connection until the test ends. It is a
// minimal black-box MySQL server: just enough wire protocol to let
// mysqlcore.Connect complete a mysql_native_password handshake against
// it. It never validates credentials — these tests exercise pool
// lifecycle, not auth — and it answers every post-handshake scalar query
// with an ERR packet, which mysqlcore's connect path treats as "use the
// hardcoded default" rather than a fatal error (see runPostHandshake in
// textquery.go/conn.go).
func startFakeMySQLServer(t testing.TB) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake mysql server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeHandshake(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })

	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("splitting listener addr: %v", err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parsing listener port: %v", err)
	}
	return h, portNum
}

// Generic response header bytes, re-declared here (they are public MySQL
// wire protocol constants, not copied implementation) since mysqlcore
// keeps them unexported.
const (
	fakeHeaderOK  = 0x00
	fakeHeaderErr = 0xff
)

func writeFramedPacket(conn net.Conn, seq byte, payload []byte) error {
	hdr := make([]byte, 4, 4+len(payload))
	n := len(payload)
	hdr[0] = byte(n)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n >> 16)
	hdr[3] = seq
	hdr = append(hdr, payload...)
	_, err := conn.Write(hdr)
	return err
}

func readFramedPacket(conn net.Conn) (seq byte, payload []byte, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq = hdr[3]
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return seq, payload, nil
}

// buildFakeGreeting assembles a Protocol::HandshakeV10 packet offering
// mysql_native_password with a 20-byte nonce.
func buildFakeGreeting() []byte {
	nonce := make([]byte, 20)
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}

	const caps = uint32(1<<9 | 1<<15 | 1<<19 | 1<<21 | 1<<13) // PROTOCOL_41 | SECURE_CONNECTION | PLUGIN_AUTH | PLUGIN_AUTH_LENENC_CLIENT_DATA | TRANSACTIONS

	var buf bytes.Buffer
	buf.WriteByte(10) // protocol version
	buf.WriteString("8.0.34-fake")
	buf.WriteByte(0)

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], 42)
	buf.Write(id[:])

	buf.Write(nonce[:8])
	buf.WriteByte(0) // filler

	var lo [2]byte
	binary.LittleEndian.PutUint16(lo[:], uint16(caps))
	buf.Write(lo[:])

	buf.WriteByte(0x21) // charset: utf8_general_ci

	var status [2]byte
	binary.LittleEndian.PutUint16(status[:], 0x0002) // SERVER_STATUS_AUTOCOMMIT
	buf.Write(status[:])

	var hi [2]byte
	binary.LittleEndian.PutUint16(hi[:], uint16(caps>>16))
	buf.Write(hi[:])

	buf.WriteByte(21) // auth-plugin-data-len: 20-byte nonce + NUL
	buf.Write(make([]byte, 10)) // reserved

	part2 := append(append([]byte{}, nonce[8:]...), 0)
	buf.Write(part2)

	buf.WriteString("mysql_native_password")
	buf.WriteByte(0)

	return buf.Bytes()
}

// fakeOKPacket is the minimal generic-response OK packet under
// CLIENT_PROTOCOL_41: header, 0 affected rows, 0 last-insert-id, status
// flags, 0 warnings.
func fakeOKPacket() []byte {
	return []byte{fakeHeaderOK, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
}

// fakeErrPacket builds a minimal ERR packet; mysqlcore's post-handshake
// scalar queries treat any ERR response as "fall back to the default"
// rather than a fatal error.
func fakeErrPacket() []byte {
	body := []byte{fakeHeaderErr, 0x84, 0x04, '#'}
	body = append(body, []byte("HY000")...)
	body = append(body, []byte("fake server does not answer queries")...)
	return body
}

// serveFakeHandshake drives one connection through greeting, auth
// response, OK, then answers every subsequent command (the two
// post-handshake scalar queries, COM_PING, ROLLBACK, etc.) with a
// generic response until the client disconnects. The first two commands
// after the handshake get ERR (exercising the default-fallback path);
// everything after that gets OK.
func serveFakeHandshake(conn net.Conn) {
	serveFakeHandshakeWith(conn, nil)
}

// statusInTrans mirrors session.go's SERVER_STATUS_IN_TRANS bit.
const statusInTrans = 1 << 0

// fakeOKPacketWithStatus is fakeOKPacket with a caller-supplied status
// flags field, used to simulate a server reporting an open transaction.
func fakeOKPacketWithStatus(status uint16) []byte {
	return []byte{fakeHeaderOK, 0x00, 0x00, byte(status), byte(status >> 8), 0x00, 0x00}
}

// startFakeMySQLServerWithOpenTx behaves like startFakeMySQLServer, except
// the first post-handshake command after the two default-fallback ERRs
// (i.e. a client-issued COM_QUERY "BEGIN") gets an OK with
// SERVER_STATUS_IN_TRANS set, so the client believes a transaction is
// open — exercising Pool.Return's rollback+reset path.
func startFakeMySQLServerWithOpenTx(t testing.TB) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake mysql server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeHandshakeWith(conn, func(idx int) []byte {
				if idx == 2 {
					return fakeOKPacketWithStatus(statusInTrans)
				}
				return nil
			})
		}
	}()
	t.Cleanup(func() { ln.Close() })

	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("splitting listener addr: %v", err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parsing listener port: %v", err)
	}
	return h, portNum
}

// serveFakeHandshakeWith is serveFakeHandshake generalized with an override
// hook: for post-handshake command index idx, if override returns non-nil,
// that response is sent instead of the default OK/ERR sequencing.
func serveFakeHandshakeWith(conn net.Conn, override func(idx int) []byte) {
	defer conn.Close()

	if err := writeFramedPacket(conn, 0, buildFakeGreeting()); err != nil {
		return
	}
	if _, _, err := readFramedPacket(conn); err != nil { // HandshakeResponse41, not verified
		return
	}
	if err := writeFramedPacket(conn, 2, fakeOKPacket()); err != nil {
		return
	}

	for commandIdx := 0; ; commandIdx++ {
		_, _, err := readFramedPacket(conn)
		if err != nil {
			return
		}
		resp := fakeOKPacket()
		if commandIdx < 2 {
			resp = fakeErrPacket()
		}
		if override != nil {
			if o := override(commandIdx); o != nil {
				resp = o
			}
		}
		if err := writeFramedPacket(conn, 1, resp); err != nil {
			return
		}
	}
}
