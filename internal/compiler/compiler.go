// Package compiler defines the contract the session protocol engine
// requires from the query compiler: an external collaborator specified
// only by interface. Two implementations are provided: netcompiler, which
// talks to an external compiler process over the same framed wire
// codec used for client connections, and passthrough, an in-process
// stand-in for development and tests.
package compiler

import (
	"context"

	"github.com/gelsrv/edgecore/internal/dbview"
	"github.com/gelsrv/edgecore/internal/queryunit"
)

// OutputMode selects the shape of result rows the compiler produces.
type OutputMode byte

const (
	OutputBinary OutputMode = iota
	OutputJSON
)

// StmtMode controls how a multi-statement script is compiled; SkipFirst
// is used by the simple-query error-recovery path once its leading
// rollback statement has already been extracted and executed.
type StmtMode byte

const (
	StmtAll StmtMode = iota
	StmtSkipFirst
)

// Client is the compiler collaborator's contract. All four operations
// are single-request/single-response and fail with a *edgeerr.Error
// carrying edgeerr.CodeCompilerError on compiler-side failure.
type Client interface {
	// Compile compiles text outside of a transaction, returning one or
	// more units for a (possibly multi-statement) script.
	Compile(ctx context.Context, dbVersion, text string, aliases dbview.Aliases, config dbview.Settings, mode OutputMode) ([]*queryunit.Unit, error)

	// CompileInTx compiles text against the compiler's snapshot for an
	// active transaction, identified by txID.
	CompileInTx(ctx context.Context, txID, text string, mode OutputMode, legacy, graphql bool, stmtMode StmtMode) ([]*queryunit.Unit, error)

	// TryCompileRollback makes a best-effort attempt to extract an
	// initial rollback or savepoint-rollback statement from text.
	// remaining is the number of statements that could not be
	// compiled, used by error recovery to decide whether the
	// simple-query script should continue.
	TryCompileRollback(ctx context.Context, dbVersion, text string) (unit *queryunit.Unit, remaining int, err error)

	// InterpretBackendError translates a backend engine error (a field
	// dictionary, e.g. Postgres's ErrorResponse fields) into the
	// domain's error taxonomy.
	InterpretBackendError(ctx context.Context, dbVersion string, fields map[string]string) error
}
