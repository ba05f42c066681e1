package mysqlcore

import "time"

// TxStatus is the client's best-known view of the connection's transaction
// state, maintained from OK-packet status flags.
type TxStatus int

const (
	TxNone TxStatus = iota
	TxActive
	TxRequiresRollback
)

// pendingKind tags what, if anything, the caller still owes the connection
// before another command can be issued.
type pendingKind int

const (
	PendingNone pendingKind = iota
	PendingText
	PendingBinary
	PendingError
)

// PendingResult is a tagged marker for outstanding result-set or deferred-
// error state. Only PendingError carries a payload (the deferred error);
// the zero value is PendingResult{Kind: PendingNone}.
type PendingResult struct {
	Kind pendingKind
	Err  error
}

// okPacket is the parsed form of a server OK packet.
type okPacket struct {
	affectedRows uint64
	lastInsertID uint64
	statusFlags  uint16
	warnings     uint16
	info         string
}

// errPacket is the parsed form of a server ERR packet.
type errPacket struct {
	code     uint16
	sqlState string
	message  string
}

// lastResult is a tagged union: at most one of ok/err is non-nil at a time,
// enforced structurally by handleOK/handleErr always replacing both fields
// together.
type lastResult struct {
	ok  *okPacket
	err *errPacket
}

// Server status flags relevant to session bookkeeping (subset of the
// protocol's full status-flag set).
const (
	statusInTrans        uint16 = 1 << 0
	statusAutocommit     uint16 = 1 << 1
	statusMoreResults    uint16 = 1 << 3
	statusNoIndexUsed    uint16 = 1 << 5
	statusCursorExists   uint16 = 1 << 6
	statusLastRowSent    uint16 = 1 << 7
	statusDBDropped      uint16 = 1 << 8
)

// sessionState holds everything about a connection that must survive
// across commands and that a pool needs to inspect before reuse.
type sessionState struct {
	capabilities Capability
	status       uint16
	last         lastResult
	txStatus     TxStatus
	pending      PendingResult
	lastIO       time.Time
	waitTimeout  time.Duration
	disconnected bool

	serverVersion  [3]int
	connectionID   uint32
	maxAllowedPkt  uint32
	socket         string
}

func newSessionState() *sessionState {
	return &sessionState{
		waitTimeout: 28800 * time.Second,
		lastIO:      time.Now(),
	}
}

func (s *sessionState) touch() { s.lastIO = time.Now() }

// handleOK records an OK packet, clearing any previous ERR and updating
// transaction status from the status flags.
func (s *sessionState) handleOK(ok *okPacket) {
	s.last = lastResult{ok: ok}
	s.status = ok.statusFlags
	s.updateTxStatus()
}

// handleErr records an ERR packet. Status flags are cleared on ERR, per
// spec: the server does not report a post-error status, so the client must
// not trust whatever status it last saw. tx_status becomes
// TxRequiresRollback only if we previously believed a transaction was open;
// the server's own wire error doesn't carry status flags.
func (s *sessionState) handleErr(err *errPacket) {
	s.last = lastResult{err: err}
	s.status = 0
	if s.txStatus == TxActive {
		s.txStatus = TxRequiresRollback
	}
}

func (s *sessionState) updateTxStatus() {
	if s.status&statusInTrans != 0 {
		s.txStatus = TxActive
	} else if s.txStatus == TxActive {
		s.txStatus = TxNone
	}
}

func (s *sessionState) setPendingResult(p PendingResult) PendingResult {
	prev := s.pending
	s.pending = p
	return prev
}

func (s *sessionState) moreResultsExist() bool {
	return s.status&statusMoreResults != 0
}
