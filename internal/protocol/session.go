// Package protocol implements the session protocol engine: the
// per-connection state machine that performs the handshake, drives the
// main dispatch loop over the wire frame types, and runs the common
// execute path shared by Parse/Execute/Opportunistic-execute/
// Simple-query/Legacy.
package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gelsrv/edgecore/internal/auth"
	"github.com/gelsrv/edgecore/internal/backend"
	"github.com/gelsrv/edgecore/internal/bind"
	"github.com/gelsrv/edgecore/internal/cache"
	"github.com/gelsrv/edgecore/internal/compiler"
	"github.com/gelsrv/edgecore/internal/dbview"
	"github.com/gelsrv/edgecore/internal/edgeerr"
	"github.com/gelsrv/edgecore/internal/metrics"
	"github.com/gelsrv/edgecore/internal/queryunit"
	"github.com/gelsrv/edgecore/internal/wire"
)

// SchemaNames names the per-session temporary tables created during
// session initialization.
type SchemaNames struct {
	StateTable     string
	SavepointTable string
}

func (n SchemaNames) withDefaults() SchemaNames {
	if n.StateTable == "" {
		n.StateTable = "_edgecon_state"
	}
	if n.SavepointTable == "" {
		n.SavepointTable = "_edgecon_current_savepoint"
	}
	return n
}

// Deps collects the collaborators a session needs, all supplied by the
// host process (cmd/edgecored) rather than constructed here.
type Deps struct {
	Auth     auth.Verifier
	Compiler compiler.Client
	// Metrics must be non-nil; every frame and backend/compiler round
	// trip is instrumented unconditionally.
	Metrics *metrics.Collector
	Schema  SchemaNames

	// CacheCapacity bounds the per-session compiled-query cache.
	CacheCapacity int

	// DialBackend opens a fresh backend connection for the named
	// database, once authentication succeeds.
	DialBackend func(ctx context.Context, database string) (backend.Client, error)

	Log *slog.Logger
}

// noArgsPayload is a valid zero-argument wire bind tuple: a 4-byte
// argument count of zero and nothing else. Scripted execute paths
// (Simple query, Legacy) have no client-supplied bind arguments but
// still recode through bind.Recode, so there is a single call site for
// that translation rather than a second hand-rolled bind format.
var noArgsPayload = make([]byte, 4)

// Session is one client connection's protocol engine, driven by a
// single goroutine: no mutable field here is touched by any other
// goroutine once Run starts.
type Session struct {
	id   uuid.UUID
	conn net.Conn
	dec  *wire.Decoder
	enc  *wire.Encoder
	deps Deps
	log  *slog.Logger

	view      *dbview.View
	backendCl backend.Client
	database  string

	// dbVersion keys the compiler's per-database schema cache; this
	// session only reads it.
	dbVersion string

	lastUnit *queryunit.Unit
	txGen    int

	started time.Time
}

// NewSession constructs a session around an already-accepted
// connection. Run must be called to drive its lifecycle.
func NewSession(conn net.Conn, deps Deps) *Session {
	id := uuid.New()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	deps.Schema = deps.Schema.withDefaults()
	s := &Session{
		id:      id,
		conn:    conn,
		dec:     wire.NewDecoder(conn),
		enc:     wire.NewEncoder(conn),
		deps:    deps,
		log:     log.With("session", id.String()),
		started: time.Now(),
	}
	if deps.Metrics != nil {
		deps.Metrics.SessionStarted()
	}
	return s
}

// ID returns the session's connection identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Run drives the session to completion: handshake, authenticate,
// initialize, restore, then the main loop, releasing resources on any
// terminal outcome.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	if err := s.handshake(); err != nil {
		s.log.Warn("handshake rejected", "error", err)
		return
	}
	if err := s.authenticate(ctx); err != nil {
		s.log.Warn("authentication failed", "error", err)
		return
	}
	if err := s.initializeSchema(ctx); err != nil {
		s.log.Error("session schema initialization failed", "error", err)
		return
	}
	if err := s.restoreState(ctx); err != nil {
		s.log.Error("session state restore failed", "error", err)
		return
	}

	if err := s.runLoop(ctx); err != nil && !errors.Is(err, edgeerr.ErrConnectionAborted) {
		s.log.Warn("session terminated", "error", err)
	}
}

func (s *Session) cleanup() {
	if s.backendCl != nil {
		if err := s.backendCl.Close(); err != nil {
			s.log.Warn("closing backend connection", "error", err)
		}
	}
	s.conn.Close()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEnded(time.Since(s.started))
	}
}

// handshake reads the bare, unframed major/minor protocol version
// negotiated before any typed framing begins.
func (s *Session) handshake() error {
	var hdr [4]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return edgeerr.ErrConnectionAborted
	}
	major := binary.BigEndian.Uint16(hdr[0:2])
	minor := binary.BigEndian.Uint16(hdr[2:4])
	if major != 1 || minor != 0 {
		err := edgeerr.UnsupportedProtocolVersion(major, minor)
		s.abortWithBestEffortError(err)
		return err
	}
	return nil
}

// authenticate waits for the `0`-typed frame, verifies the offered
// credentials, opens the backend connection, and emits the
// authentication-ok / key-data / ready-for-query sequence.
func (s *Session) authenticate(ctx context.Context) error {
	msg, err := s.dec.WaitForMessage()
	if err != nil {
		return err
	}
	if msg.Type != '0' {
		err := edgeerr.BinaryProtocolError("expected an authentication frame")
		s.abortWithBestEffortError(err)
		return err
	}

	user, err1 := msg.ReadLenString()
	password, err2 := msg.ReadLenString()
	database, err3 := msg.ReadLenString()
	if err1 != nil || err2 != nil || err3 != nil {
		err := edgeerr.BinaryProtocolError("malformed authentication frame")
		s.abortWithBestEffortError(err)
		return err
	}

	if err := s.deps.Auth.Verify(user, password, database); err != nil {
		s.abortWithBestEffortError(err)
		return err
	}
	s.database = database
	s.log = s.log.With("database", database, "user", user)

	backendCl, err := s.deps.DialBackend(ctx, database)
	if err != nil {
		wrapped := edgeerr.BackendError("connecting to backend", err)
		s.abortWithBestEffortError(wrapped)
		return wrapped
	}
	s.backendCl = backendCl

	capacity := s.deps.CacheCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	s.view = dbview.New(cache.New(capacity))

	if err := s.enc.WriteFrame('R', wire.NewBuilder().Uint32(0).Build()); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('R')

	keyID := binary.BigEndian.Uint32(s.id[12:16])
	if err := s.enc.WriteFrame('K', wire.NewBuilder().Uint32(keyID).Build()); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('K')

	if err := s.writeReadyForQuery(); err != nil {
		return err
	}
	return s.enc.Flush()
}

// initializeSchema creates the two per-session temporary tables and
// the default module alias row.
func (s *Session) initializeSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(
		"CREATE TEMP TABLE %s (name TEXT, value TEXT, type TEXT CHECK (type IN ('C','A')), UNIQUE(name, type)); "+
			"CREATE TEMP TABLE %s (sp_id BIGINT, _sentinel BIGINT DEFAULT -1, UNIQUE(_sentinel)); "+
			"INSERT INTO %s (name, value, type) VALUES ('', '', 'A');",
		s.deps.Schema.StateTable, s.deps.Schema.SavepointTable, s.deps.Schema.StateTable,
	)
	if _, err := s.timedSimpleQuery(ctx, "schema-init", ddl, true); err != nil {
		return fmt.Errorf("initializing session schema: %w", err)
	}
	return nil
}

// restoreState rehydrates the config overlay and alias map from the
// state table.
func (s *Session) restoreState(ctx context.Context) error {
	q := fmt.Sprintf("SELECT name, value, type FROM %s;", s.deps.Schema.StateTable)
	rows, err := s.timedSimpleQuery(ctx, "restore-state", q, false)
	if err != nil {
		return fmt.Errorf("restoring session state: %w", err)
	}
	for _, row := range rows {
		if len(row) != 3 {
			continue
		}
		name, value, typ := string(row[0]), string(row[1]), string(row[2])
		switch typ {
		case "C":
			s.view.SetConfig(name, value)
		case "A":
			s.view.SetAlias(name, value)
		}
	}
	return nil
}

// runLoop is the main dispatch loop: await one frame, dispatch on
// type, repeat until the connection drops or a fatal (post-recovery)
// error occurs.
func (s *Session) runLoop(ctx context.Context) error {
	for {
		msg, err := s.dec.WaitForMessage()
		if err != nil {
			return err
		}
		s.deps.Metrics.FrameReceived(msg.Type)
		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
		// Responses to a fully-drained input buffer flush immediately;
		// while more frames are pipelined, output keeps accumulating up
		// to the codec's soft threshold.
		if _, ok := s.dec.PeekType(); !ok {
			if err := s.enc.Flush(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg *wire.Message) error {
	var err error
	switch msg.Type {
	case 'P':
		err = s.handleParse(ctx, msg)
	case 'D':
		err = s.handleDescribe(ctx, msg)
	case 'E':
		err = s.handleExecute(ctx, msg)
	case 'O':
		err = s.handleOpportunistic(ctx, msg)
	case 'Q':
		err = s.handleSimpleQuery(ctx, msg)
	case 'L':
		err = s.handleLegacy(ctx, msg)
	case 'S':
		err = s.handleSync(ctx)
	case 'H':
		err = s.enc.Flush()
	default:
		err = edgeerr.BinaryProtocolError(fmt.Sprintf("unexpected message type %q", string(msg.Type)))
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, edgeerr.ErrConnectionAborted) {
		return err
	}
	return s.reportError(ctx, msg.Type, err)
}

// reportError implements the error-reporting and recovery policy:
// translate, emit an E frame, then either flush-sync-on-error (Q/L)
// or enter recovery (discard until S, handle it normally — fatally,
// if that handling itself fails).
func (s *Session) reportError(ctx context.Context, handlerType byte, cause error) error {
	before := s.view.Status()
	s.view.TxError()
	s.noteTxTransition(before)
	translated := s.translateBackendErr(ctx, cause)
	ee := asEdgeErr(translated)

	if err := s.writeErrorFrame(ee); err != nil {
		return err
	}

	if handlerType == 'Q' || handlerType == 'L' {
		if err := s.writeReadyForQuery(); err != nil {
			return err
		}
		return s.enc.Flush()
	}

	if err := s.enc.Flush(); err != nil {
		return err
	}
	if _, err := s.dec.DiscardUntil('S'); err != nil {
		return err
	}
	return s.handleSync(ctx)
}

// abortWithBestEffortError is used during handshake/authenticate,
// where a failure means the session never reaches the main loop's
// recovery discipline: emit what we can, then give up on the
// connection.
func (s *Session) abortWithBestEffortError(err error) {
	ee := asEdgeErr(err)
	_ = s.writeErrorFrame(ee)
	_ = s.enc.Flush()
}

func asEdgeErr(err error) *edgeerr.Error {
	var ee *edgeerr.Error
	if errors.As(err, &ee) {
		return ee
	}
	return edgeerr.Internal("unclassified error", err)
}

// translateBackendErr re-dispatches a backend-origin exception through
// the compiler's InterpretBackendError so it gains a domain-specific
// code and attribute fields instead of the generic BackendError
// wrapper.
func (s *Session) translateBackendErr(ctx context.Context, err error) error {
	var ee *edgeerr.Error
	if !errors.As(err, &ee) {
		ee = edgeerr.BackendError("backend error", err)
	}
	if ee.Code != edgeerr.CodeBackendError {
		return ee
	}
	fields := make(map[string]string, len(ee.Fields)+1)
	fields["message"] = ee.Message
	for _, f := range ee.Fields {
		fields[string(f.Tag)] = f.Value
	}
	if translated := s.deps.Compiler.InterpretBackendError(ctx, s.dbVersion, fields); translated != nil {
		return translated
	}
	return ee
}

func xactStatusByte(st backend.XactStatus) (byte, error) {
	switch st {
	case backend.Idle:
		return 'I', nil
	case backend.InTrans:
		return 'T', nil
	case backend.InError:
		return 'E', nil
	default:
		return 0, edgeerr.Internal(fmt.Sprintf("unrecognized backend transaction status %v", st), nil)
	}
}

func (s *Session) writeReadyForQuery() error {
	b, err := xactStatusByte(s.backendCl.XactStatusValue())
	if err != nil {
		return err
	}
	if err := s.enc.WriteFrame('Z', []byte{b}); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('Z')
	return nil
}

func (s *Session) writeErrorFrame(ee *edgeerr.Error) error {
	b := wire.NewBuilder().Uint32(uint32(ee.Code)).LenString(ee.Message)
	for _, f := range ee.Fields {
		b.Byte(f.Tag).CString(f.Value)
	}
	b.Byte(0)
	if err := s.enc.WriteFrame('E', b.Build()); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('E')
	return nil
}

func (s *Session) writeDataRow(columns [][]byte) error {
	b := wire.NewBuilder().Uint16(uint16(len(columns)))
	for _, col := range columns {
		if col == nil {
			var nullLen int32 = -1
			b.Uint32(uint32(nullLen))
			continue
		}
		b.Uint32(uint32(len(col))).Bytes(col)
	}
	if err := s.enc.WriteFrame('D', b.Build()); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('D')
	return nil
}

// reconcileTxStatus implements the REDESIGN FLAG resolving the
// source's ad hoc "COMMIT failure workaround": after every backend
// round trip that reports a fresh transaction status, reconcile the
// dbview in one place rather than at each call site.
func (s *Session) reconcileTxStatus() {
	if s.view.Status() == dbview.InTx && s.backendCl.XactStatusValue() == backend.Idle {
		before := s.view.Status()
		s.view.AbortTx()
		s.noteTxTransition(before)
	}
}

// noteTxTransition records a transaction status machine transition if
// the view's status actually moved since before.
func (s *Session) noteTxTransition(before dbview.TxStatus) {
	after := s.view.Status()
	if after != before {
		s.deps.Metrics.TxTransition(before.String(), after.String())
	}
}

func (s *Session) timedSimpleQuery(ctx context.Context, class, sql string, ignoreData bool) ([][][]byte, error) {
	start := time.Now()
	rows, err := s.backendCl.SimpleQuery(ctx, sql, ignoreData)
	s.deps.Metrics.BackendCallDuration(time.Since(start))
	if err != nil {
		s.deps.Metrics.BackendError(class)
	}
	return rows, err
}

func outputModeKey(mode compiler.OutputMode) string {
	if mode == compiler.OutputJSON {
		return "json"
	}
	return "binary"
}

func (s *Session) txID() string {
	return fmt.Sprintf("%s:%d", s.id, s.txGen)
}

// compileOne resolves a single statement's compiled unit for Parse and
// Opportunistic execute: cache lookup first, then — respecting the
// InTxError rollback-only admissibility rule — the compiler.
func (s *Session) compileOne(ctx context.Context, text string, mode compiler.OutputMode) (*queryunit.Unit, error) {
	modeKey := outputModeKey(mode)
	if cached := s.view.LookupCompiledQuery(text, modeKey); cached != nil {
		s.deps.Metrics.CacheLookup(true)
		return cached, nil
	}
	s.deps.Metrics.CacheLookup(false)

	if s.view.Status() == dbview.InTxError {
		unit, remaining, err := s.deps.Compiler.TryCompileRollback(ctx, s.dbVersion, text)
		if err != nil {
			return nil, edgeerr.CompilerError("compiling rollback statement", err)
		}
		if unit == nil || remaining != 0 {
			s.deps.Metrics.InTxErrorRejection()
			return nil, edgeerr.InTxErrorRejection()
		}
		return unit, nil
	}

	start := time.Now()
	var (
		units []*queryunit.Unit
		err   error
	)
	if s.view.Status() == dbview.InTx {
		units, err = s.deps.Compiler.CompileInTx(ctx, s.txID(), text, mode, false, false, compiler.StmtAll)
	} else {
		units, err = s.deps.Compiler.Compile(ctx, s.dbVersion, text, s.view.AliasMap(), s.view.Config(), mode)
	}
	s.deps.Metrics.CompilerCallDuration(time.Since(start))
	if err != nil {
		return nil, edgeerr.CompilerError("compiling query", err)
	}
	if len(units) == 0 {
		return nil, edgeerr.BinaryProtocolError("empty query source")
	}
	return units[0], nil
}

// compileScript resolves a (possibly multi-statement) script for
// Simple query and Legacy.
func (s *Session) compileScript(ctx context.Context, source string, mode compiler.OutputMode, legacy, graphql bool, stmtMode compiler.StmtMode) ([]*queryunit.Unit, error) {
	start := time.Now()
	var (
		units []*queryunit.Unit
		err   error
	)
	if s.view.Status() == dbview.InTx || s.view.Status() == dbview.InTxError {
		units, err = s.deps.Compiler.CompileInTx(ctx, s.txID(), source, mode, legacy, graphql, stmtMode)
	} else {
		units, err = s.deps.Compiler.Compile(ctx, s.dbVersion, source, s.view.AliasMap(), s.view.Config(), mode)
	}
	s.deps.Metrics.CompilerCallDuration(time.Since(start))
	if err != nil {
		return nil, edgeerr.CompilerError("compiling script", err)
	}
	return units, nil
}

func (s *Session) warmParse(ctx context.Context, unit *queryunit.Unit) error {
	start := time.Now()
	err := s.backendCl.ParseExecute(ctx, true, false, unit, nil, false, unit.PreparedStmtHash != "", nil)
	s.deps.Metrics.BackendCallDuration(time.Since(start))
	if err != nil {
		s.deps.Metrics.BackendError("parse")
		return edgeerr.BackendError("warming prepared statement", err)
	}
	return nil
}

func (s *Session) writeDescribeType(unit *queryunit.Unit) error {
	b := wire.NewBuilder().
		UUID(unit.InputTypeID).
		Uint16(uint16(len(unit.InputTypeDesc))).
		Bytes(unit.InputTypeDesc).
		UUID(unit.OutputTypeID).
		Uint16(uint16(len(unit.OutputTypeDesc))).
		Bytes(unit.OutputTypeDesc)
	if err := s.enc.WriteFrame('T', b.Build()); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('T')
	return nil
}

func (s *Session) currentSavepointID(ctx context.Context) (int64, error) {
	q := fmt.Sprintf("SELECT sp_id FROM %s;", s.deps.Schema.SavepointTable)
	rows, err := s.timedSimpleQuery(ctx, "savepoint-read", q, false)
	if err != nil {
		return 0, edgeerr.BackendError("reading current savepoint", err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, edgeerr.Internal("no active savepoint recorded", nil)
	}
	id, err := strconv.ParseInt(string(rows[0][0]), 10, 64)
	if err != nil {
		return 0, edgeerr.Internal("malformed savepoint id", err)
	}
	return id, nil
}

// applyUnitSideEffects applies a successful unit's staged config/alias
// changes to the view and mirrors them into the per-session state table
// so a reconnecting session can rehydrate them.
func (s *Session) applyUnitSideEffects(ctx context.Context, unit *queryunit.Unit) error {
	if unit.ConfigAffecting {
		s.view.SetConfig(unit.ConfigKey, unit.ConfigValue)
		if err := s.persistStateRow(ctx, unit.ConfigKey, unit.ConfigValue, "C"); err != nil {
			return err
		}
	}
	if unit.AliasAffecting {
		s.view.SetAlias(unit.AliasKey, unit.AliasValue)
		if err := s.persistStateRow(ctx, unit.AliasKey, unit.AliasValue, "A"); err != nil {
			return err
		}
	}
	return nil
}

func sqlQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func (s *Session) persistStateRow(ctx context.Context, name, value, typ string) error {
	sql := fmt.Sprintf(
		"DELETE FROM %s WHERE name = %s AND type = %s; INSERT INTO %s (name, value, type) VALUES (%s, %s, %s);",
		s.deps.Schema.StateTable, sqlQuote(name), sqlQuote(typ),
		s.deps.Schema.StateTable, sqlQuote(name), sqlQuote(value), sqlQuote(typ),
	)
	if _, err := s.timedSimpleQuery(ctx, "state-write", sql, true); err != nil {
		return edgeerr.BackendError("recording session state", err)
	}
	return nil
}

func txAffectsSavepoints(a queryunit.TxAction) bool {
	switch a {
	case queryunit.TxCommit, queryunit.TxRollback,
		queryunit.TxSavepointDeclare, queryunit.TxSavepointRelease, queryunit.TxSavepointRollback:
		return true
	}
	return false
}

// persistSavepointState rewrites the backend-side tracking row to the
// innermost active savepoint's id, or clears it when the stack is
// empty. The stack itself lives in memory; only the top id crosses to
// the backend, where the error-recovery path reads it back.
func (s *Session) persistSavepointState(ctx context.Context) error {
	sql := fmt.Sprintf("DELETE FROM %s;", s.deps.Schema.SavepointTable)
	if id, ok := s.view.CurrentSavepointID(); ok {
		sql += fmt.Sprintf(" INSERT INTO %s (sp_id) VALUES (%d);", s.deps.Schema.SavepointTable, id)
	}
	if _, err := s.timedSimpleQuery(ctx, "savepoint-write", sql, true); err != nil {
		return edgeerr.BackendError("recording savepoint state", err)
	}
	return nil
}

// consumePipelinedSync pops the Sync frame the common execute path
// bundled into the backend round trip, so the main loop does not
// handle it a second time. The frame was verified fully buffered by
// PeekType before bundling.
func (s *Session) consumePipelinedSync() {
	msg, ok, err := s.dec.TakeMessage()
	if err != nil || !ok || msg.Type != 'S' {
		return
	}
	s.deps.Metrics.FrameReceived('S')
}

// executeUnit is the common execute path shared by Execute,
// Opportunistic execute, and the per-unit loop inside Simple query /
// Legacy. allowSyncBundle permits the trailing-Sync lookahead, the
// only pipelining the session does; it is set for the single-statement
// paths whose caller emits the resulting ready-for-query. syncBundled
// reports whether the lookahead fired.
func (s *Session) executeUnit(ctx context.Context, unit *queryunit.Unit, rawBindPayload []byte, parseFlag, usePreparedStmt, allowSyncBundle bool, rows backend.RowHandler) (syncBundled bool, err error) {
	if err := s.view.Start(unit); err != nil {
		s.deps.Metrics.InTxErrorRejection()
		return false, err
	}

	if s.view.Status() == dbview.InTxError {
		if len(unit.SQL) > 0 {
			if _, err := s.timedSimpleQuery(ctx, "rollback", string(unit.SQL), true); err != nil {
				return false, edgeerr.BackendError("rollback statement failed", err)
			}
		}
		before := s.view.Status()
		if unit.TxAction == queryunit.TxSavepointRollback {
			spID, err := s.currentSavepointID(ctx)
			if err != nil {
				return false, err
			}
			if err := s.view.RollbackToSavepoint(spID); err != nil {
				return false, err
			}
		} else {
			s.view.AbortTx()
		}
		s.noteTxTransition(before)
		if err := s.persistSavepointState(ctx); err != nil {
			return false, err
		}
		s.reconcileTxStatus()
		return false, nil
	}

	bound, err := bind.Recode(rawBindPayload)
	if err != nil {
		before := s.view.Status()
		s.view.OnError(unit)
		s.noteTxTransition(before)
		return false, err
	}

	sendSync := false
	if allowSyncBundle {
		if typ, ok := s.dec.PeekType(); ok && typ == 'S' {
			sendSync = true
		}
	}

	start := time.Now()
	before := s.view.Status()
	execErr := s.backendCl.ParseExecute(ctx, parseFlag, true, unit, bound, sendSync, usePreparedStmt, rows)
	s.deps.Metrics.BackendCallDuration(time.Since(start))
	s.reconcileTxStatus()
	if execErr != nil {
		s.deps.Metrics.BackendError("execute")
		s.view.OnError(unit)
		s.noteTxTransition(before)
		// A bundled client Sync stays buffered: the recovery path's
		// discard-until-Sync finds it and replies with the one Z the
		// client is owed.
		return false, execErr
	}

	s.view.OnSuccess(unit)
	s.noteTxTransition(before)
	if unit.TxAction == queryunit.TxBegin {
		s.txGen++
	}
	if txAffectsSavepoints(unit.TxAction) {
		if err := s.persistSavepointState(ctx); err != nil {
			return false, err
		}
	}
	if err := s.applyUnitSideEffects(ctx, unit); err != nil {
		return false, err
	}
	return sendSync, nil
}

// runErrorRecovery implements the simple-query error-recovery
// subroutine: extract and run a rollback statement, restore the
// dbview, and report how many statements remain unconsumed.
func (s *Session) runErrorRecovery(ctx context.Context, source string) (int, error) {
	unit, remaining, err := s.deps.Compiler.TryCompileRollback(ctx, s.dbVersion, source)
	if err != nil {
		return 0, edgeerr.CompilerError("compiling rollback statement", err)
	}
	if unit == nil {
		s.deps.Metrics.InTxErrorRejection()
		return 0, edgeerr.InTxErrorRejection()
	}
	if len(unit.SQL) > 0 {
		if _, err := s.timedSimpleQuery(ctx, "rollback", string(unit.SQL), true); err != nil {
			return 0, edgeerr.BackendError("rollback statement failed", err)
		}
	}
	before := s.view.Status()
	if unit.TxAction == queryunit.TxSavepointRollback {
		spID, err := s.currentSavepointID(ctx)
		if err != nil {
			return 0, err
		}
		if err := s.view.RollbackToSavepoint(spID); err != nil {
			return 0, err
		}
	} else {
		s.view.AbortTx()
	}
	s.noteTxTransition(before)
	if err := s.persistSavepointState(ctx); err != nil {
		return 0, err
	}
	s.reconcileTxStatus()
	return remaining, nil
}

// runScript implements the body shared by Simple query and Legacy:
// error-recovery when in InTxError, script compilation, and per-unit
// execution, returning each unit's collected rows in execution order.
func (s *Session) runScript(ctx context.Context, source string, mode compiler.OutputMode, legacy, graphql bool) ([][][][]byte, error) {
	stmtMode := compiler.StmtAll
	if s.view.Status() == dbview.InTxError {
		remaining, err := s.runErrorRecovery(ctx, source)
		if err != nil {
			return nil, err
		}
		if remaining == 0 {
			return nil, nil
		}
		stmtMode = compiler.StmtSkipFirst
	}

	units, err := s.compileScript(ctx, source, mode, legacy, graphql, stmtMode)
	if err != nil {
		return nil, err
	}

	perUnitRows := make([][][][]byte, 0, len(units))
	for _, unit := range units {
		var rows [][][]byte
		handler := backend.RowHandler(func(cols [][]byte) error {
			rows = append(rows, cols)
			return nil
		})
		if _, err := s.executeUnit(ctx, unit, noArgsPayload, true, false, false, handler); err != nil {
			return nil, err
		}
		perUnitRows = append(perUnitRows, rows)
	}
	return perUnitRows, nil
}

func (s *Session) finishQLHandler() error {
	if err := s.writeReadyForQuery(); err != nil {
		return err
	}
	return s.enc.Flush()
}

// rowsToJSON renders one unit's collected rows as its contribution to
// the legacy JSON response: no rows is `null`,
// a single row contributes its first column's raw JSON bytes
// unwrapped, and more than one row is rendered as a JSON array.
func rowsToJSON(rows [][][]byte) []byte {
	switch {
	case len(rows) == 0:
		return []byte("null")
	case len(rows) == 1:
		if len(rows[0]) == 0 {
			return []byte("null")
		}
		return rows[0][0]
	default:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, row := range rows {
			if i > 0 {
				buf.WriteByte(',')
			}
			if len(row) == 0 {
				buf.WriteString("null")
			} else {
				buf.Write(row[0])
			}
		}
		buf.WriteByte(']')
		return buf.Bytes()
	}
}
