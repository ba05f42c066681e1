package mysqlcore

// Capability is the client/server capability-flag bitmask exchanged during
// the handshake. Values match the wire protocol exactly (they are a public
// protocol constant, not an implementation choice).
type Capability uint32

const (
	capClientLongPassword Capability = 1 << 0
	capClientFoundRows    Capability = 1 << 1
	capClientLongFlag     Capability = 1 << 2
	capClientConnectWithDB Capability = 1 << 3
	capClientNoSchema     Capability = 1 << 4
	capClientCompress     Capability = 1 << 5
	capClientODBC         Capability = 1 << 6
	capClientLocalFiles   Capability = 1 << 7
	capClientIgnoreSpace  Capability = 1 << 8
	capClientProtocol41   Capability = 1 << 9
	capClientInteractive  Capability = 1 << 10
	capClientSSL          Capability = 1 << 11
	capClientIgnoreSigpipe Capability = 1 << 12
	capClientTransactions Capability = 1 << 13
	capClientReserved     Capability = 1 << 14
	capClientSecureConnection Capability = 1 << 15
	capClientMultiStatements Capability = 1 << 16
	capClientMultiResults Capability = 1 << 17
	capClientPSMultiResults Capability = 1 << 18
	capClientPluginAuth   Capability = 1 << 19
	capClientConnectAttrs Capability = 1 << 20
	capClientPluginAuthLenencClientData Capability = 1 << 21
	capClientCanHandleExpiredPasswords Capability = 1 << 22
	capClientSessionTrack Capability = 1 << 23
	capClientDeprecateEOF Capability = 1 << 24
)

// defaultClientCapabilities is what this client offers before ANDing with
// the server's advertised capabilities.
func defaultClientCapabilities(withDB bool, useSSL bool) Capability {
	caps := capClientLongPassword | capClientProtocol41 | capClientSecureConnection |
		capClientPluginAuth | capClientPluginAuthLenencClientData | capClientTransactions |
		capClientMultiResults | capClientMultiStatements | capClientPSMultiResults |
		capClientLocalFiles | capClientCompress | capClientDeprecateEOF | capClientSessionTrack
	if withDB {
		caps |= capClientConnectWithDB
	}
	if useSSL {
		caps |= capClientSSL
	}
	return caps
}

func (c Capability) has(bit Capability) bool { return c&bit != 0 }

// Auth plugin names, as sent over the wire.
const (
	authPluginNameNative      = "mysql_native_password"
	authPluginNameCachingSHA2 = "caching_sha2_password"
)

// caching_sha2_password sub-dialog markers (sent as the first byte of a
// "more data" packet, 0x01 <marker>).
const (
	cacheSHA2FastAuth = 0x03
	cacheSHA2FullAuth = 0x04
)

// Generic response header bytes.
const (
	headerOK          = 0x00
	headerEOF         = 0xfe
	headerErr         = 0xff
	headerAuthMoreData = 0x01
	headerLocalInfile = 0xfb
)
