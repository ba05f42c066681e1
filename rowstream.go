package mysqlcore

import (
	"context"
	"io"
)

// RowStream is implemented by the result-decoding layer above mysqlcore.
// The command loop and cleanup-for-pool logic drive it without
// understanding row encoding: they only need to pull packets until the
// stream reports it's done, and to stash/retrieve the pending-result
// marker that records whether a result set (or a deferred error) is still
// owed to the connection.
type RowStream interface {
	// ReadPacket pulls the next raw packet belonging to this result set.
	// Returns io.EOF once the result set is fully consumed.
	ReadPacket(ctx context.Context) ([]byte, error)

	// SetPendingResult installs a new pending-result marker and returns
	// the previous one, mirroring sessionState.setPendingResult.
	SetPendingResult(marker PendingResult) PendingResult
}

// LocalInfileHandler supplies the contents of a server-requested
// LOAD DATA LOCAL INFILE file. The returned ReadCloser is relayed to the
// server in packets, terminated by an empty packet; mysqlcore does not
// interpret the file's contents.
type LocalInfileHandler func(ctx context.Context, filename string) (io.ReadCloser, error)
