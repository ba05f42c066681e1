package mysqlcore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// preparedStatement is everything the client needs to remember about a
// server-side prepared statement.
type preparedStatement struct {
	id         uint32
	paramCount int
	columnCount int
	query      string
}

// stmtCache is a bounded LRU keyed by exact query text. Capacity 0 disables
// caching: Get always misses and Put is a no-op (the caller must issue a
// fresh COM_STMT_PREPARE and close the statement itself after use).
type stmtCache struct {
	cache *lru.Cache[string, *preparedStatement]
	onEvict func(*preparedStatement)
}

func newStmtCache(capacity int, onEvict func(*preparedStatement)) *stmtCache {
	sc := &stmtCache{onEvict: onEvict}
	if capacity <= 0 {
		return sc
	}
	c, _ := lru.NewWithEvict(capacity, func(_ string, ps *preparedStatement) {
		if sc.onEvict != nil {
			sc.onEvict(ps)
		}
	})
	sc.cache = c
	return sc
}

func (sc *stmtCache) enabled() bool { return sc.cache != nil }

func (sc *stmtCache) get(query string) (*preparedStatement, bool) {
	if sc.cache == nil {
		return nil, false
	}
	return sc.cache.Get(query)
}

func (sc *stmtCache) put(query string, ps *preparedStatement) {
	if sc.cache == nil {
		return
	}
	sc.cache.Add(query, ps)
}

func (sc *stmtCache) len() int {
	if sc.cache == nil {
		return 0
	}
	return sc.cache.Len()
}

// keysMRU returns cache keys from most- to least-recently-used. Exposed
// mainly for tests that assert exact MRU ordering.
func (sc *stmtCache) keysMRU() []string {
	if sc.cache == nil {
		return nil
	}
	keys := sc.cache.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[len(keys)-1-i] = k
	}
	return out
}

// purge evicts every cached statement, issuing COM_STMT_CLOSE for each via
// onEvict. Used by Reset.
func (sc *stmtCache) purge() {
	if sc.cache == nil {
		return
	}
	sc.cache.Purge()
}

// closeStatement issues COM_STMT_CLOSE for a statement id. It is fire-and-
// forget: MySQL does not reply to COM_STMT_CLOSE.
func (c *Conn) closeStatement(ctx context.Context, id uint32) error {
	body := make([]byte, 4)
	body[0] = byte(id)
	body[1] = byte(id >> 8)
	body[2] = byte(id >> 16)
	body[3] = byte(id >> 24)
	return c.writeCommand(ctx, ComStmtClose, body)
}

// Prepare returns a cached prepared statement for query if one exists,
// otherwise issues COM_STMT_PREPARE and caches the result (unless the
// cache is disabled, in which case the caller owns closing it). Column and
// parameter definition packets that follow STMT_PREPARE_OK are drained
// without being decoded: parameter/result encoding belongs to the layer
// above mysqlcore.
func (c *Conn) Prepare(ctx context.Context, query string) (*preparedStatement, error) {
	if ps, ok := c.stmts.get(query); ok {
		return ps, nil
	}
	if err := c.writeCommand(ctx, ComStmtPrepare, []byte(query)); err != nil {
		return nil, err
	}
	pkt, err := c.t.readPacket(ctx)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	if len(pkt) == 0 {
		return nil, newProtocolError("Prepare", "empty STMT_PREPARE response")
	}
	if pkt[0] == headerErr {
		return nil, parseErrPacketWire(pkt)
	}
	if len(pkt) < 9 {
		return nil, newProtocolError("Prepare", "truncated STMT_PREPARE_OK")
	}
	ps := &preparedStatement{
		id:          uint32(pkt[1]) | uint32(pkt[2])<<8 | uint32(pkt[3])<<16 | uint32(pkt[4])<<24,
		columnCount: int(pkt[5]) | int(pkt[6])<<8,
		paramCount:  int(pkt[7]) | int(pkt[8])<<8,
		query:       query,
	}

	for i := 0; i < ps.paramCount; i++ {
		if _, err := c.t.readPacket(ctx); err != nil {
			c.fail(err)
			return nil, err
		}
	}
	if ps.paramCount > 0 && !c.session.capabilities.has(capClientDeprecateEOF) {
		pkt, err := c.t.readPacket(ctx)
		if err != nil {
			c.fail(err)
			return nil, err
		}
		if !isEOFPacket(pkt, c.session.capabilities) {
			return nil, newProtocolError("Prepare", "expected EOF after parameter definitions")
		}
	}
	for i := 0; i < ps.columnCount; i++ {
		if _, err := c.t.readPacket(ctx); err != nil {
			c.fail(err)
			return nil, err
		}
	}
	if ps.columnCount > 0 && !c.session.capabilities.has(capClientDeprecateEOF) {
		pkt, err := c.t.readPacket(ctx)
		if err != nil {
			c.fail(err)
			return nil, err
		}
		if !isEOFPacket(pkt, c.session.capabilities) {
			return nil, newProtocolError("Prepare", "expected EOF after column definitions")
		}
	}

	if c.stmts.enabled() {
		c.stmts.put(query, ps)
	}
	return ps, nil
}
