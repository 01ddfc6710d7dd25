// Package backend defines the contract the session protocol engine
// requires from the backend SQL engine driver: an external
// collaborator specified only by interface.
package backend

import (
	"context"

	"github.com/gelsrv/edgecore/internal/queryunit"
)

// XactStatus is the backend's authoritative transaction status,
// reported at synchronization points.
type XactStatus byte

const (
	Idle XactStatus = iota
	InTrans
	InError
)

func (s XactStatus) String() string {
	switch s {
	case InTrans:
		return "InTrans"
	case InError:
		return "InError"
	default:
		return "Idle"
	}
}

// RowHandler receives one result row's column values as they stream
// off the backend connection. The session re-emits each row to the
// client as it arrives rather than buffering the full result set.
type RowHandler func(columns [][]byte) error

// Client is the backend driver collaborator's contract.
type Client interface {
	// ParseExecute does any combination of parse and execute on the
	// backend for unit. When parseFlag is set without executeFlag,
	// this only warms the backend's prepared statement. When
	// executeFlag is set, bindPayload (already recoded to the backend
	// bind format by the recoder) drives execution and rows stream through
	// rows. sendSync bundles a trailing Sync so the backend reaches
	// ready-for-query in the same round trip; usePreparedStmt reuses
	// an already-warmed prepared statement named by unit's hash.
	ParseExecute(ctx context.Context, parseFlag, executeFlag bool, unit *queryunit.Unit, bindPayload []byte, sendSync, usePreparedStmt bool, rows RowHandler) error

	// SimpleQuery runs one or more SQL statements using the backend's
	// simple query protocol. If ignoreData is false, each statement's
	// rows are collected and returned.
	SimpleQuery(ctx context.Context, sql string, ignoreData bool) ([][][]byte, error)

	// Sync drains the backend to a ready-for-query state and returns
	// its resulting transaction status.
	Sync(ctx context.Context) (XactStatus, error)

	// InTx reports whether the backend's last observed status was
	// InTrans or InError.
	InTx() bool

	// XactStatusValue returns the backend's last observed transaction
	// status without a round trip.
	XactStatusValue() XactStatus

	Close() error
}
