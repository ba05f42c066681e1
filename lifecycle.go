package mysqlcore

import (
	"context"
	"io"
	"time"
)

// maxCleanupIterations bounds cleanupForReuse's drain loop. A connection
// that hasn't converged within this many packets is treated as corrupted
// rather than looped on forever.
const maxCleanupIterations = 10000

// cleanupForReuse prepares a connection to be returned to a pool: it
// drains any pending result set, clears a deferred error (returning it
// unless it is a *ServerError), and rolls back an open transaction. It is idempotent and safe to call on an already-
// clean connection.
func (c *Conn) cleanupForReuse(ctx context.Context) error {
	if c.session.disconnected {
		return ErrDisconnected
	}

	switch c.session.pending.Kind {
	case PendingText, PendingBinary:
		if c.rows == nil {
			// No collaborator registered: nothing we can drain through,
			// so the pending marker is cleared without reading the wire.
			// A real caller always installs a RowStream before issuing a
			// command that produces a result set.
			c.session.setPendingResult(PendingResult{Kind: PendingNone})
			break
		}
		if err := c.drainPending(ctx); err != nil {
			return err
		}
	case PendingError:
		deferred := c.session.pending.Err
		c.session.setPendingResult(PendingResult{Kind: PendingNone})
		if deferred != nil {
			// A deferred *ServerError is non-fatal and is dropped here;
			// any other deferred error is returned to the caller.
			if _, ok := deferred.(*ServerError); !ok {
				return deferred
			}
		}
	}

	if c.session.txStatus != TxNone {
		if err := c.rollbackTransaction(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) drainPending(ctx context.Context) error {
	for i := 0; i < maxCleanupIterations; i++ {
		_, err := c.rows.ReadPacket(ctx)
		if err == io.EOF {
			c.session.setPendingResult(PendingResult{Kind: PendingNone})
			if c.session.moreResultsExist() {
				continue
			}
			return nil
		}
		if err != nil {
			c.fail(err)
			return err
		}
	}
	c.fail(ErrCleanupFailed)
	return ErrCleanupFailed
}

func (c *Conn) rollbackTransaction(ctx context.Context) error {
	if err := c.writeCommand(ctx, ComQuery, []byte("ROLLBACK")); err != nil {
		return err
	}
	_, err := c.readResponsePacket(ctx)
	if se, ok := err.(*ServerError); ok {
		// A failed ROLLBACK still leaves us not knowing the tx state;
		// treat it as fatal rather than silently reusing the connection.
		return newFatalError("rollback", se)
	}
	if err != nil {
		return err
	}
	c.session.txStatus = TxNone
	return nil
}

// Reset issues COM_RESET_CONNECTION on servers newer than 5.7.2, which
// clears the statement cache and server-side session state while keeping
// the socket; on older servers it transparently redials instead.
func (c *Conn) Reset(ctx context.Context) error {
	if c.session.disconnected {
		return ErrDisconnected
	}
	if serverVersionGT(c.session.serverVersion, 5, 7, 2) {
		if err := c.writeCommand(ctx, ComResetConnection, nil); err != nil {
			return err
		}
		if _, err := c.readResponsePacket(ctx); err != nil {
			if _, ok := err.(*ServerError); !ok {
				return err
			}
		}
		c.stmts.purge()
		c.session.txStatus = TxNone
		c.session.setPendingResult(PendingResult{Kind: PendingNone})
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Conn) reconnect(ctx context.Context) error {
	t, session, err := connectTransport(ctx, c.cfg)
	if err != nil {
		return err
	}
	old := c.t
	c.t = t
	c.session = session
	c.stmts.purge()
	_ = old.close()
	return nil
}

// Expired reports whether this connection has been idle longer than the
// smaller of its configured TTL and wait_timeout (just wait_timeout if no
// TTL was configured).
func (c *Conn) Expired(now time.Time) bool {
	ttl := c.cfg.ConnTTL
	if ttl <= 0 || (c.session.waitTimeout > 0 && c.session.waitTimeout < ttl) {
		ttl = c.session.waitTimeout
	}
	return now.Sub(c.session.lastIO) > ttl
}

// Close sends COM_QUIT best-effort and closes the underlying stream. It is
// idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if c.session.disconnected {
		return nil
	}
	c.session.disconnected = true
	_ = c.writeQuit(ctx)
	return c.t.close()
}

func (c *Conn) writeQuit(ctx context.Context) error {
	c.t.resetSequence()
	return c.t.writePacket(ctx, []byte{byte(ComQuit)})
}

// fail marks the connection as disconnected and closes the stream. It is
// the single place where any I/O or protocol error is turned into a
// permanent connection state change, so callers never forget the step.
func (c *Conn) fail(err error) {
	if c.session.disconnected {
		return
	}
	c.session.disconnected = true
	_ = c.t.close()
}
