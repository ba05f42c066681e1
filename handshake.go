package mysqlcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// greeting is the parsed Protocol::HandshakeV10 packet.
type greeting struct {
	protocolVersion byte
	serverVersion   string
	connectionID    uint32
	nonce           []byte
	capabilities    Capability
	charset         byte
	statusFlags     uint16
	authPluginName  string
}

// parseGreeting parses the server's initial handshake packet.
func parseGreeting(b []byte) (*greeting, error) {
	g := &greeting{}
	if len(b) < 1 {
		return nil, newProtocolError("parseGreeting", "empty handshake packet")
	}
	g.protocolVersion = b[0]
	b = b[1:]

	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return nil, newProtocolError("parseGreeting", "missing server version terminator")
	}
	g.serverVersion = string(b[:idx])
	b = b[idx+1:]

	if len(b) < 4 {
		return nil, newProtocolError("parseGreeting", "truncated connection id")
	}
	g.connectionID = binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	if len(b) < 8 {
		return nil, newProtocolError("parseGreeting", "truncated auth-plugin-data part 1")
	}
	authData := append([]byte{}, b[:8]...)
	b = b[8:]

	if len(b) < 1 {
		return nil, newProtocolError("parseGreeting", "missing filler byte")
	}
	b = b[1:] // filler

	if len(b) < 2 {
		return nil, newProtocolError("parseGreeting", "truncated capability flags (lower)")
	}
	capLower := uint32(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]

	var authDataLen int
	if len(b) >= 1 {
		g.charset = b[0]
		b = b[1:]
	}
	if len(b) >= 2 {
		g.statusFlags = binary.LittleEndian.Uint16(b[:2])
		b = b[2:]
	}
	if len(b) >= 2 {
		capUpper := uint32(binary.LittleEndian.Uint16(b[:2]))
		b = b[2:]
		g.capabilities = Capability(capLower | capUpper<<16)
	} else {
		g.capabilities = Capability(capLower)
	}
	if len(b) >= 1 {
		authDataLen = int(b[0])
		b = b[1:]
	}
	if len(b) >= 10 {
		b = b[10:] // reserved
	}

	if g.capabilities.has(capClientSecureConnection) {
		n := authDataLen - 8
		if n < 13 {
			n = 13
		}
		if len(b) < n {
			return nil, newProtocolError("parseGreeting", "truncated auth-plugin-data part 2")
		}
		part2 := b[:n]
		b = b[n:]
		// Trailing NUL terminator of the combined auth-data string.
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	g.nonce = authData

	if g.capabilities.has(capClientPluginAuth) {
		name := b
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		g.authPluginName = string(name)
	} else {
		g.authPluginName = authPluginNameNative
	}
	return g, nil
}

// buildHandshakeResponse41 assembles Protocol::HandshakeResponse41.
func buildHandshakeResponse41(caps Capability, maxPacket uint32, charset byte, user string, authResp []byte, db string, pluginName string) []byte {
	var buf bytes.Buffer
	var capBytes [4]byte
	binary.LittleEndian.PutUint32(capBytes[:], uint32(caps))
	buf.Write(capBytes[:])

	var maxPktBytes [4]byte
	binary.LittleEndian.PutUint32(maxPktBytes[:], maxPacket)
	buf.Write(maxPktBytes[:])

	buf.WriteByte(charset)
	buf.Write(make([]byte, 23)) // reserved

	buf.WriteString(user)
	buf.WriteByte(0)

	if caps.has(capClientPluginAuthLenencClientData) {
		buf.Write(lenencInt(uint64(len(authResp))))
		buf.Write(authResp)
	} else {
		buf.WriteByte(byte(len(authResp)))
		buf.Write(authResp)
	}

	if caps.has(capClientConnectWithDB) {
		buf.WriteString(db)
		buf.WriteByte(0)
	}

	if caps.has(capClientPluginAuth) {
		buf.WriteString(pluginName)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func lenencInt(n uint64) []byte {
	switch {
	case n < 251:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		b := make([]byte, 9)
		b[0] = 0xfe
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// handshakeState names the steps of the state machine driven by
// runHandshake. There is no recursion: AuthSwitchRequest re-enters
// stateAuthDialog rather than calling back into itself.
type handshakeState int

const (
	stateGreet handshakeState = iota
	stateNegotiate
	stateRespond
	stateAuthDialog
	statePostHandshake
	stateReady
	stateFailed
)

// runHandshake drives Greet -> Negotiate -> (SslRequest/upgrade) -> Respond
// -> AuthDialog -> PostHandshake, mutating s in place. It returns the
// transport to use going forward (t itself, unless PostHandshake's
// prefer_socket redial swapped in a new one) and a fatal error for any
// transport failure or protocol violation, or a *ServerError if the
// server explicitly rejects the handshake.
func runHandshake(ctx context.Context, t *transport, s *sessionState, cfg *Config) (*transport, error) {
	state := stateGreet
	var g *greeting
	var plugin authPlugin
	var authResp []byte
	charset := byte(0x21) // utf8_general_ci, matches server default in absence of override

	for {
		switch state {
		case stateGreet:
			pkt, err := t.readPacket(ctx)
			if err != nil {
				return t, err
			}
			if len(pkt) > 0 && pkt[0] == headerErr {
				return t, parseErrPacketWire(pkt)
			}
			g, err = parseGreeting(pkt)
			if err != nil {
				return t, err
			}
			s.serverVersion = parseServerVersion(g.serverVersion)
			s.connectionID = g.connectionID
			state = stateNegotiate

		case stateNegotiate:
			clientCaps := defaultClientCapabilities(cfg.withDB(), cfg.useSSL())
			if cfg.Capabilities != 0 {
				clientCaps &= cfg.Capabilities | capClientProtocol41 | capClientSecureConnection
			}
			effective := clientCaps & g.capabilities
			if cfg.useSSL() && !g.capabilities.has(capClientSSL) {
				return t, newProtocolError("negotiate", "server does not support TLS")
			}
			if cfg.Compress && !g.capabilities.has(capClientCompress) {
				cfg.Compress = false // silently fall back: not a protocol violation
			}
			s.capabilities = effective

			if cfg.useSSL() {
				sslReq := buildHandshakeResponse41(effective, 1<<24, charset, "", nil, "", "")
				// SSLRequest reuses the HandshakeResponse41 layout truncated
				// to the fixed-length header (username/auth data omitted).
				// Sequence id continues naturally from the greeting read.
				if err := t.writePacket(ctx, sslReq[:32]); err != nil {
					return t, err
				}
				if err := t.upgradeTLS(ctx, cfg.TLSConfig); err != nil {
					return t, err
				}
			}
			plugin = pluginByName(g.authPluginName)
			if _, ok := plugin.(otherPlugin); ok {
				return t, newFatalError("negotiate", fmt.Errorf("%w: %q", ErrUnknownAuthPlugin, g.authPluginName))
			}
			authResp = plugin.scramble(cfg.Pass, g.nonce)
			state = stateRespond

		case stateRespond:
			// Sequence id continues naturally: 1 after a direct greeting
			// read, or one past the SSLRequest when TLS was negotiated.
			resp := buildHandshakeResponse41(s.capabilities, 1<<24, charset, cfg.User, authResp, cfg.DB, plugin.name())
			if err := t.writePacket(ctx, resp); err != nil {
				return t, err
			}
			state = stateAuthDialog

		case stateAuthDialog:
			pkt, err := t.readPacket(ctx)
			if err != nil {
				return t, err
			}
			switch {
			case len(pkt) == 0:
				return t, newProtocolError("authDialog", "empty auth response packet")
			case pkt[0] == headerOK:
				state = statePostHandshake
			case pkt[0] == headerErr:
				return t, parseErrPacketWire(pkt)
			case pkt[0] == headerEOF && len(pkt) >= 1:
				// AuthSwitchRequest (or, rarely, old-password EOF with no
				// plugin name — treated as unsupported).
				name, data, ok := parseAuthSwitchRequest(pkt)
				if !ok {
					return t, newFatalError("authDialog", fmt.Errorf("unsupported legacy auth switch"))
				}
				plugin = pluginByName(name)
				if _, bad := plugin.(otherPlugin); bad {
					return t, newFatalError("authDialog", fmt.Errorf("%w: %q", ErrUnknownAuthPlugin, name))
				}
				authResp = plugin.scramble(cfg.Pass, data)
				if err := t.writePacket(ctx, authResp); err != nil {
					return t, err
				}
				// loop back into stateAuthDialog: iterative, not recursive
			case pkt[0] == headerAuthMoreData:
				more := pkt[1:]
				if err := handleAuthMoreData(ctx, t, cfg, plugin, g.nonce, more); err != nil {
					return t, err
				}
				// loop back into stateAuthDialog
			default:
				return t, newProtocolError("authDialog", "unexpected byte 0x%02x in auth dialog", pkt[0])
			}

		case statePostHandshake:
			return runPostHandshake(ctx, t, s, cfg)
		}
	}
}

// parseAuthSwitchRequest parses an EOF-prefixed AuthSwitchRequest packet:
// plugin name (NUL-terminated) followed by the new auth data.
func parseAuthSwitchRequest(pkt []byte) (name string, data []byte, ok bool) {
	body := pkt[1:]
	idx := bytes.IndexByte(body, 0)
	if idx < 0 {
		return "", nil, false
	}
	name = string(body[:idx])
	data = body[idx+1:]
	// Trailing NUL some servers include on the auth data.
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return name, data, true
}

// handleAuthMoreData implements caching_sha2_password's fast/full-auth
// sub-dialog (0x01 0x03 / 0x01 0x04), including the RSA public-key
// exchange used over an unencrypted channel.
func handleAuthMoreData(ctx context.Context, t *transport, cfg *Config, plugin authPlugin, nonce []byte, more []byte) error {
	if plugin.name() != authPluginNameCachingSHA2 {
		return newProtocolError("authMoreData", "unexpected AuthMoreData for plugin %q", plugin.name())
	}
	if len(more) == 0 {
		return nil
	}
	switch more[0] {
	case cacheSHA2FastAuth:
		// Server will send OK next; nothing to write. Handled by caller
		// looping back to read the next packet.
		return nil
	case cacheSHA2FullAuth:
		if cfg.useSSL() || cfg.Socket != "" {
			// Secure channel: send the cleartext password.
			plain := append([]byte(cfg.Pass), 0)
			return t.writePacket(ctx, plain)
		}
		// Insecure channel: request the server's RSA public key.
		if err := t.writePacket(ctx, []byte{0x02}); err != nil {
			return err
		}
		pkt, err := t.readPacket(ctx)
		if err != nil {
			return err
		}
		if len(pkt) > 0 && pkt[0] == headerErr {
			return parseErrPacketWire(pkt)
		}
		// Server replies with AuthMoreData(0x01) followed by the PEM key,
		// or sometimes the raw PEM with no 0x01 prefix.
		pem := pkt
		if len(pkt) > 0 && pkt[0] == headerAuthMoreData {
			pem = pkt[1:]
		}
		ciphertext, err := obscurePasswordRSA(cfg.Pass, nonce, pem)
		if err != nil {
			return err
		}
		return t.writePacket(ctx, ciphertext)
	default:
		return newProtocolError("authMoreData", "unknown caching_sha2_password marker 0x%02x", more[0])
	}
}

func parseServerVersion(v string) [3]int {
	var out [3]int
	var part, idx int
	for i := 0; i < len(v) && idx < 3; i++ {
		c := v[i]
		if c >= '0' && c <= '9' {
			part = part*10 + int(c-'0')
			continue
		}
		out[idx] = part
		part = 0
		idx++
		if c != '.' {
			break
		}
	}
	if idx < 3 {
		out[idx] = part
	}
	return out
}

func serverVersionGT(v [3]int, major, minor, patch int) bool {
	if v[0] != major {
		return v[0] > major
	}
	if v[1] != minor {
		return v[1] > minor
	}
	return v[2] > patch
}
