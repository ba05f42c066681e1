package mysqlcore

import (
	"crypto/tls"
	"time"
)

// Config carries every connection option the handshake and lifecycle
// layers consult. It has no notion of a DSN/URL string; callers construct
// it directly or a higher-level package parses one into this shape.
type Config struct {
	User string
	Pass string
	DB   string

	Host   string
	Port   int
	Socket string

	// PreferSocket asks the client to discover and redial over the
	// server's local unix socket (via "SELECT @@socket") once connected
	// over TCP. PreferSocketStrict controls what happens if that redial
	// fails: false (default) silently keeps the original TCP connection;
	// true turns a failed redial into a fatal handshake error.
	PreferSocket       bool
	PreferSocketStrict bool

	TLSConfig *tls.Config

	TCPKeepAlive time.Duration
	TCPNoDelay   bool
	DialTimeout  time.Duration

	Compress bool

	StmtCacheSize int

	// Init is run, in order, once the handshake completes.
	Init []string

	// ConnTTL, when set (> 0), tightens the idle-expiry bound: the
	// connection expires after the smaller of ConnTTL and wait_timeout.
	// Zero means "use wait_timeout".
	ConnTTL time.Duration

	// Capabilities, if non-zero, further restricts the capability flags
	// this client offers (it is always ANDed with the built-in default
	// set and with whatever the server advertises).
	Capabilities Capability

	LocalInfileHandler LocalInfileHandler
}

func (c *Config) useSSL() bool { return c.TLSConfig != nil }

func (c *Config) withDB() bool { return c.DB != "" }
