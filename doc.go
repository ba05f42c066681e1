// Package mysqlcore implements the connection lifecycle of a MySQL client:
// dialing, handshake and authentication, optional TLS and compression,
// the command/response loop, and the per-connection session state needed
// to reuse a connection safely or hand it back to a pool.
//
// A *Conn is not safe for concurrent use. Callers that share connections
// across goroutines (such as the pool in internal/pool) must serialize
// their own access.
package mysqlcore
