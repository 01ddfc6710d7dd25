package protocol

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gelsrv/edgecore/internal/compiler"
	"github.com/gelsrv/edgecore/internal/edgeerr"
	"github.com/gelsrv/edgecore/internal/queryunit"
	"github.com/gelsrv/edgecore/internal/wire"
)

// handleParse handles a Parse (P) frame: resolve the compiled unit
// (cache first, then the compiler), warm the backend's prepared
// statement, and answer with a parse-complete frame carrying the
// input/output type ids.
func (s *Session) handleParse(ctx context.Context, msg *wire.Message) error {
	name, err := msg.ReadLenString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed parse frame: missing statement name")
	}
	if name != "" {
		return edgeerr.UnsupportedFeature("named prepared statements are not supported")
	}
	source, err := msg.ReadCString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed parse frame: missing query source")
	}
	if source == "" {
		return edgeerr.BinaryProtocolError("empty query source")
	}

	unit, err := s.compileOne(ctx, source, compiler.OutputBinary)
	if err != nil {
		return err
	}
	if err := s.warmParse(ctx, unit); err != nil {
		return err
	}
	if unit.Cacheable {
		s.view.CacheCompiledQuery(source, outputModeKey(compiler.OutputBinary), unit)
	}
	s.lastUnit = unit

	payload := wire.NewBuilder().UUID(unit.InputTypeID).UUID(unit.OutputTypeID).Build()
	if err := s.enc.WriteFrame('1', payload); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('1')
	return nil
}

// handleDescribe handles a Describe (D) frame by emitting the type
// descriptors of the last anonymous compiled statement.
func (s *Session) handleDescribe(ctx context.Context, msg *wire.Message) error {
	mode, err := msg.ReadByte()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed describe frame: missing mode")
	}
	if mode != 'T' {
		return edgeerr.UnsupportedFeature(fmt.Sprintf("unsupported describe mode %q", string(mode)))
	}
	name, err := msg.ReadLenString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed describe frame: missing statement name")
	}
	if name != "" {
		return edgeerr.UnsupportedFeature("named prepared statements are not supported")
	}
	if s.lastUnit == nil {
		return edgeerr.TypeSpecNotFound()
	}
	return s.writeDescribeType(s.lastUnit)
}

// handleExecute handles an Execute (E) frame, bound to the last
// anonymous prepared statement.
func (s *Session) handleExecute(ctx context.Context, msg *wire.Message) error {
	name, err := msg.ReadLenString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed execute frame: missing statement name")
	}
	if name != "" {
		return edgeerr.UnsupportedFeature("named prepared statements are not supported")
	}
	if s.lastUnit == nil {
		return edgeerr.TypeSpecNotFound()
	}
	bindPayload := msg.ReadRemaining()
	unit := s.lastUnit
	bundled, err := s.executeUnit(ctx, unit, bindPayload, false, unit.PreparedStmtHash != "", true, s.writeDataRow)
	if err != nil {
		return err
	}
	return s.finishExecute(bundled)
}

// finishExecute completes the single-statement execute paths: the
// command-complete frame and, when the common execute path bundled a
// pipelined Sync into the backend round trip, the ready-for-query
// frame that answers it (consuming the client's Sync so the main loop
// does not answer it again).
func (s *Session) finishExecute(syncBundled bool) error {
	if err := s.enc.WriteFrame('C', nil); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('C')
	if !syncBundled {
		return nil
	}
	s.consumePipelinedSync()
	if err := s.writeReadyForQuery(); err != nil {
		return err
	}
	return s.enc.Flush()
}

// handleOpportunistic handles an Opportunistic-execute (O) frame: the
// combined parse+execute round trip with a type-id guard against a
// stale client-side cache.
func (s *Session) handleOpportunistic(ctx context.Context, msg *wire.Message) error {
	source, err := msg.ReadCString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed opportunistic-execute frame: missing source")
	}
	expectedInput, err := msg.ReadUUID()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed opportunistic-execute frame: missing input type id")
	}
	expectedOutput, err := msg.ReadUUID()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed opportunistic-execute frame: missing output type id")
	}
	bindPayload := msg.ReadRemaining()

	modeKey := outputModeKey(compiler.OutputBinary)
	cached := s.view.LookupCompiledQuery(source, modeKey)
	stale := cached == nil || cached.InputTypeID != expectedInput || cached.OutputTypeID != expectedOutput

	var (
		resolved        *queryunit.Unit
		parseFlag       = true
		usePreparedStmt bool
	)
	if stale {
		u, err := s.compileOne(ctx, source, compiler.OutputBinary)
		if err != nil {
			return err
		}
		if err := s.warmParse(ctx, u); err != nil {
			return err
		}
		if u.Cacheable {
			s.view.CacheCompiledQuery(source, modeKey, u)
		}
		if err := s.writeDescribeType(u); err != nil {
			return err
		}
		resolved = u
		parseFlag = false
	} else {
		resolved = cached
		usePreparedStmt = cached.PreparedStmtHash != ""
	}
	s.lastUnit = resolved

	bundled, err := s.executeUnit(ctx, resolved, bindPayload, parseFlag, usePreparedStmt, true, s.writeDataRow)
	if err != nil {
		return err
	}
	return s.finishExecute(bundled)
}

// handleSimpleQuery handles a Simple-query (Q) frame: a script whose
// row data is discarded, answered with command-complete and
// ready-for-query.
func (s *Session) handleSimpleQuery(ctx context.Context, msg *wire.Message) error {
	source, err := msg.ReadCString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed simple-query frame: missing source")
	}
	if _, err := s.runScript(ctx, source, compiler.OutputBinary, false, false); err != nil {
		return err
	}
	if err := s.enc.WriteFrame('C', nil); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('C')
	return s.finishQLHandler()
}

// handleLegacy handles a Legacy (L) frame: a JSON-mode script whose
// per-statement results are concatenated into one JSON array.
func (s *Session) handleLegacy(ctx context.Context, msg *wire.Message) error {
	langTag, err := msg.ReadByte()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed legacy frame: missing language tag")
	}
	source, err := msg.ReadCString()
	if err != nil {
		return edgeerr.BinaryProtocolError("malformed legacy frame: missing source")
	}
	graphql := langTag == 'g'

	perUnitRows, err := s.runScript(ctx, source, compiler.OutputJSON, true, graphql)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rows := range perUnitRows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rowsToJSON(rows))
	}
	buf.WriteByte(']')

	if err := s.enc.WriteFrame('L', buf.Bytes()); err != nil {
		return err
	}
	s.deps.Metrics.FrameSent('L')
	return s.finishQLHandler()
}

// handleSync handles a Sync (S) frame. It is invoked both
// directly from the main dispatch loop and from the recovery path in
// reportError once frames have been discarded up to a pending Sync.
func (s *Session) handleSync(ctx context.Context) error {
	if _, err := s.backendCl.Sync(ctx); err != nil {
		s.deps.Metrics.BackendError("sync")
		return edgeerr.BackendError("sync", err)
	}
	s.reconcileTxStatus()
	if err := s.writeReadyForQuery(); err != nil {
		return err
	}
	return s.enc.Flush()
}
