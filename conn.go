package mysqlcore

import (
	"context"
	"runtime"
	"time"
)

// poolReturner is the minimal surface a pool implements so that Conn.Return
// can hand itself back without mysqlcore importing the pool package.
type poolReturner interface {
	Return(c *Conn)
}

// Conn is a single MySQL connection: transport, session state, and
// statement cache bundled together. It is not safe for concurrent use.
type Conn struct {
	t       *transport
	session *sessionState
	stmts   *stmtCache
	cfg     *Config
	rows    RowStream

	createdAt time.Time
	pool      poolReturner

	onStmtEvicted func()
}

// Connect dials, performs the handshake and authentication, and runs
// post-handshake setup (compression when configured and negotiated,
// optional socket rediscovery, max_allowed_packet/wait_timeout discovery,
// init scripts).
func Connect(ctx context.Context, cfg *Config) (*Conn, error) {
	t, session, err := connectTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		t:         t,
		session:   session,
		stmts:     newStmtCache(cfg.StmtCacheSize, nil),
		cfg:       cfg,
		createdAt: time.Now(),
	}
	c.stmts.onEvict = func(ps *preparedStatement) {
		_ = c.closeStatement(context.Background(), ps.id)
		if c.onStmtEvicted != nil {
			c.onStmtEvicted()
		}
	}

	runtime.SetFinalizer(c, finalizeConn)
	return c, nil
}

// connectTransport is the dial+handshake+post-handshake sequence factored
// out so Reset's full-reconnect fallback can reuse it without attaching a
// second finalizer to a throwaway Conn wrapper.
func connectTransport(ctx context.Context, cfg *Config) (*transport, *sessionState, error) {
	t, err := dial(ctx, dialOptions{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Socket:      cfg.Socket,
		DialTimeout: cfg.DialTimeout,
		KeepAlive:   cfg.TCPKeepAlive,
		NoDelay:     cfg.TCPNoDelay,
	})
	if err != nil {
		return nil, nil, err
	}

	session := newSessionState()
	t, err = runHandshake(ctx, t, session, cfg)
	if err != nil {
		_ = t.close()
		return nil, nil, err
	}
	return t, session, nil
}

// finalizeConn is the drop-time fallback described in SPEC_FULL.md §9: if
// the connection was never explicitly closed, make one best-effort
// attempt to clean up and quit. Finalizers don't run during process exit,
// so the ultimate fallback in that case is the server's own wait_timeout.
func finalizeConn(c *Conn) {
	if c.session.disconnected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.cleanupForReuse(ctx); err == nil {
			_ = c.Close(ctx)
		} else {
			_ = c.t.close()
		}
	}()
}

// runPostHandshake performs the steps spec.md §4.3 lists after a
// successful AuthDialog: optional socket rediscovery and redial,
// max_allowed_packet and wait_timeout discovery, compression activation,
// and init scripts. It returns the transport to use going forward, which
// is t itself unless MaybeReconnectViaSocket swapped in a new one.
func runPostHandshake(ctx context.Context, t *transport, s *sessionState, cfg *Config) (*transport, error) {
	if cfg.Compress && s.capabilities.has(capClientCompress) {
		t.enableCompression()
	}

	if cfg.PreferSocket && cfg.Socket == "" {
		sock, err := queryScalarString(ctx, t, s, "SELECT @@socket")
		if err != nil {
			if cfg.PreferSocketStrict {
				return t, err
			}
			// Silent fallback: keep the TCP connection. See the Open
			// Question resolution in SPEC_FULL.md §9.
		} else if sock != "" {
			if newT, err := maybeReconnectViaSocket(ctx, t, s, cfg, sock); err != nil {
				if cfg.PreferSocketStrict {
					return t, err
				}
				// Silent fallback: the original's
				// reconnect_via_socket_if_needed also swallows a failed
				// redial and keeps the existing connection.
			} else {
				t = newT
			}
		}
	}

	maxPkt, err := queryScalarUint(ctx, t, s, "SELECT @@max_allowed_packet")
	if err != nil {
		maxPkt = 16 * 1024 * 1024
	}
	t.setMaxAllowedPacket(uint32(maxPkt))
	s.maxAllowedPkt = uint32(maxPkt)

	waitTimeout, err := queryScalarUint(ctx, t, s, "SELECT @@wait_timeout")
	if err != nil {
		waitTimeout = 28800
	}
	s.waitTimeout = time.Duration(waitTimeout) * time.Second

	for _, stmt := range cfg.Init {
		if err := runInitStatement(ctx, t, s, stmt); err != nil {
			return t, err
		}
	}
	return t, nil
}

// maybeReconnectViaSocket implements MaybeReconnectViaSocket (spec.md
// §4.3), grounded on the original's reconnect_via_socket_if_needed
// (conn/mod.rs:629): dial and fully handshake a brand new connection over
// the unix socket the server just reported, then swap it in for the TCP
// transport and close the old one. s is updated in place to the new
// connection's session state. On any failure the old transport is left
// untouched and the caller (via PreferSocketStrict) decides whether to
// treat that as fatal or to silently keep using TCP.
func maybeReconnectViaSocket(ctx context.Context, t *transport, s *sessionState, cfg *Config, sock string) (*transport, error) {
	sockCfg := *cfg
	sockCfg.Socket = sock

	newT, newSession, err := connectTransport(ctx, &sockCfg)
	if err != nil {
		return nil, err
	}
	_ = t.close()
	*s = *newSession
	s.socket = sock
	return newT, nil
}

// Ping issues COM_PING and waits for the OK response. A well-formed ERR
// reply is returned as-is (non-fatal); only transport failure marks the
// connection disconnected.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.writeCommand(ctx, ComPing, nil); err != nil {
		return err
	}
	_, err := c.readResponsePacket(ctx)
	return err
}

// WriteCommand writes cmd||body as a single packet after checking the
// clean-dirty precondition. It is the low-level entry point row-stream
// collaborators use to issue COM_QUERY/COM_STMT_EXECUTE/etc.
func (c *Conn) WriteCommand(ctx context.Context, cmd Command, body []byte) error {
	return c.writeCommand(ctx, cmd, body)
}

// ReadPacket reads one packet, applying OK/ERR interception. Non-OK/ERR
// packets (field definitions, rows, local-infile requests) are returned
// unmodified for the RowStream collaborator to decode.
func (c *Conn) ReadPacket(ctx context.Context) ([]byte, error) {
	return c.readResponsePacket(ctx)
}

// SetRowStream installs the result-decoding collaborator used by
// cleanup-for-pool to drain pending result sets, and returns the previous
// one (nil on first call).
func (c *Conn) SetRowStream(rs RowStream) RowStream {
	prev := c.rows
	c.rows = rs
	return prev
}

// SetPendingResult installs a new pending-result marker (called by the
// row-stream collaborator once it has issued a command that starts a
// result set) and returns the previous marker.
func (c *Conn) SetPendingResult(p PendingResult) PendingResult {
	return c.session.setPendingResult(p)
}

// SetPool attaches the pool this connection should return itself to.
func (c *Conn) SetPool(p poolReturner) { c.pool = p }

// SetOnStmtEviction installs a callback invoked whenever the statement
// cache evicts an entry (after the COM_STMT_CLOSE that frees it
// server-side). Pools use this to observe cache pressure.
func (c *Conn) SetOnStmtEviction(fn func()) { c.onStmtEvicted = fn }

// Return hands the connection back to its pool, if one was attached via
// SetPool; otherwise it is a no-op (callers without a pool should call
// Close directly instead).
func (c *Conn) Return() {
	if c.pool != nil {
		c.pool.Return(c)
	}
}

// CleanupForReuse runs the §4.6 algorithm: drain pending result, surface
// deferred error, rollback an open transaction. Exported for pools that
// implement their own Return semantics outside SetPool/Return.
func (c *Conn) CleanupForReuse(ctx context.Context) error {
	return c.cleanupForReuse(ctx)
}

func (c *Conn) Disconnected() bool          { return c.session.disconnected }
func (c *Conn) TxStatus() TxStatus          { return c.session.txStatus }
func (c *Conn) PendingResult() PendingResult { return c.session.pending }
func (c *Conn) LastIO() time.Time           { return c.session.lastIO }
func (c *Conn) CreatedAt() time.Time        { return c.createdAt }
func (c *Conn) ServerVersion() [3]int       { return c.session.serverVersion }
func (c *Conn) ConnectionID() uint32        { return c.session.connectionID }
func (c *Conn) Capabilities() Capability    { return c.session.capabilities }
