package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"net"
	"strconv"
	"testing"

	"github.com/gelsrv/edgecore/internal/auth"
	"github.com/gelsrv/edgecore/internal/backend"
	"github.com/gelsrv/edgecore/internal/backend/fake"
	"github.com/gelsrv/edgecore/internal/compiler/passthrough"
	"github.com/gelsrv/edgecore/internal/metrics"
	"github.com/gelsrv/edgecore/internal/wire"
)

const currentSavepointQuery = "SELECT sp_id FROM _edgecon_current_savepoint"

// fnvSavepointID mirrors passthrough's unexported savepoint id hash, so
// tests can pre-seed the fake backend's tracking table with the id the
// session will compute for a given savepoint name.
func fnvSavepointID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func cstring(s string) []byte { return append([]byte(s), 0) }

func int64Bind(v int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 1)
	binary.BigEndian.PutUint32(buf[4:8], 8)
	binary.BigEndian.PutUint64(buf[8:16], uint64(v))
	return buf
}

type harness struct {
	client  net.Conn
	dec     *wire.Decoder
	enc     *wire.Encoder
	fakeBck *fake.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	fc := fake.New()

	deps := Deps{
		Auth:          auth.AcceptAll{},
		Compiler:      passthrough.New(),
		Metrics:       metrics.New(),
		CacheCapacity: 64,
		DialBackend: func(ctx context.Context, database string) (backend.Client, error) {
			return fc, nil
		},
	}

	sess := NewSession(serverConn, deps)
	go sess.Run(context.Background())

	h := &harness{
		client:  clientConn,
		dec:     wire.NewDecoder(clientConn),
		enc:     wire.NewEncoder(clientConn),
		fakeBck: fc,
	}
	t.Cleanup(func() { clientConn.Close() })
	return h
}

func (h *harness) handshake(t *testing.T) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], 1)
	binary.BigEndian.PutUint16(hdr[2:4], 0)
	if _, err := h.client.Write(hdr[:]); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}

	authPayload := wire.NewBuilder().LenString("u").LenString("").LenString("d").Build()
	h.send(t, '0', authPayload)

	r := h.expectFrame(t, 'R')
	if code, _ := r.ReadUint32(); code != 0 {
		t.Fatalf("expected auth code 0, got %d", code)
	}
	h.expectFrame(t, 'K')
	z := h.expectFrame(t, 'Z')
	if status, _ := z.ReadByte(); status != 'I' {
		t.Fatalf("expected ready-for-query status I after handshake, got %q", string(status))
	}
}

func (h *harness) send(t *testing.T, typ byte, payload []byte) {
	t.Helper()
	if err := h.enc.WriteFrame(typ, payload); err != nil {
		t.Fatalf("writing %q frame: %v", string(typ), err)
	}
	if err := h.enc.Flush(); err != nil {
		t.Fatalf("flushing %q frame: %v", string(typ), err)
	}
}

func (h *harness) expectFrame(t *testing.T, want byte) *wire.Message {
	t.Helper()
	msg, err := h.dec.WaitForMessage()
	if err != nil {
		t.Fatalf("waiting for %q frame: %v", string(want), err)
	}
	if msg.Type != want {
		t.Fatalf("expected frame %q, got %q", string(want), string(msg.Type))
	}
	return msg
}

func TestHandshakeAndPing(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.fakeBck.Results["select 1"] = [][][]byte{{[]byte("1")}}

	h.send(t, 'Q', cstring("select 1;"))
	h.expectFrame(t, 'C')
	z := h.expectFrame(t, 'Z')
	if b, _ := z.ReadByte(); b != 'I' {
		t.Fatalf("expected ready-for-query I, got %q", string(b))
	}
}

func TestParseDescribeExecute(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	source := "select <int64>$0 + 1"
	h.fakeBck.Results[source] = [][][]byte{{[]byte("42")}}

	h.send(t, 'P', wire.NewBuilder().LenString("").CString(source).Build())
	h.expectFrame(t, '1')

	h.send(t, 'D', append([]byte{'T'}, wire.NewBuilder().LenString("").Build()...))
	h.expectFrame(t, 'T')

	execFrame := append(wire.NewBuilder().LenString("").Build(), int64Bind(41)...)
	h.send(t, 'E', execFrame)
	h.expectFrame(t, 'D')
	h.expectFrame(t, 'C')

	h.send(t, 'S', nil)
	z := h.expectFrame(t, 'Z')
	if b, _ := z.ReadByte(); b != 'I' {
		t.Fatalf("expected ready-for-query I after sync, got %q", string(b))
	}
}

func TestInTxErrorRecovery(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.fakeBck.StatusAfter["start transaction"] = backend.InTrans
	h.fakeBck.Errors["select 1/0"] = errors.New("division by zero")
	h.fakeBck.StatusAfter["select 1/0"] = backend.InError

	h.send(t, 'Q', cstring("start transaction;"))
	h.expectFrame(t, 'C')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'T' {
		t.Fatalf("expected T after start transaction")
	}

	h.send(t, 'Q', cstring("select 1/0;"))
	h.expectFrame(t, 'E')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'E' {
		t.Fatalf("expected E after failing statement")
	}

	h.send(t, 'Q', cstring("select 1;"))
	h.expectFrame(t, 'E')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'E' {
		t.Fatalf("expected status to remain E after rejected statement")
	}

	h.fakeBck.StatusAfter["rollback"] = backend.Idle
	h.send(t, 'Q', cstring("rollback;"))
	h.expectFrame(t, 'C')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'I' {
		t.Fatalf("expected I after rollback")
	}
}

func TestSavepointRollback(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.fakeBck.StatusAfter["start transaction"] = backend.InTrans
	h.send(t, 'Q', cstring("start transaction;"))
	h.expectFrame(t, 'C')
	h.expectFrame(t, 'Z')

	h.fakeBck.StatusAfter["declare savepoint s1"] = backend.InTrans
	h.send(t, 'Q', cstring("declare savepoint s1;"))
	h.expectFrame(t, 'C')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'T' {
		t.Fatalf("expected T after declare savepoint")
	}

	h.fakeBck.Errors["select 1/0"] = errors.New("division by zero")
	h.fakeBck.StatusAfter["select 1/0"] = backend.InError
	h.send(t, 'Q', cstring("select 1/0;"))
	h.expectFrame(t, 'E')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'E' {
		t.Fatalf("expected E after failing statement")
	}

	spID := fnvSavepointID("s1")
	h.fakeBck.Results[currentSavepointQuery] = [][][]byte{{[]byte(strconv.FormatInt(spID, 10))}}
	h.fakeBck.StatusAfter["rollback to savepoint s1"] = backend.InTrans

	h.send(t, 'Q', cstring("rollback to savepoint s1;"))
	h.expectFrame(t, 'C')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'T' {
		t.Fatalf("expected T after savepoint rollback")
	}
}

func TestOpportunisticStaleTypeIds(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	source := "select 1"

	staleInput := [16]byte{0xAA}
	staleOutput := [16]byte{0xBB}

	payload := wire.NewBuilder().
		CString(source).
		UUID(staleInput).
		UUID(staleOutput).
		Bytes(make([]byte, 4)).
		Build()
	h.send(t, 'O', payload)

	h.expectFrame(t, 'T')
	h.expectFrame(t, 'C')
}

func TestLegacyScript(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.fakeBck.Results["select 1"] = [][][]byte{{[]byte("1")}}
	h.fakeBck.Results["select 2"] = [][][]byte{{[]byte("2")}}

	payload := append([]byte{'e'}, cstring("select 1; select 2;")...)
	h.send(t, 'L', payload)

	l := h.expectFrame(t, 'L')
	if got := string(l.ReadRemaining()); got != "[1,2]" {
		t.Fatalf("expected legacy payload [1,2], got %q", got)
	}
	h.expectFrame(t, 'Z')
}

func TestExecutePipelinedSyncEmitsSingleReadyForQuery(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	source := "select 1"
	h.send(t, 'P', wire.NewBuilder().LenString("").CString(source).Build())
	h.expectFrame(t, '1')

	// E and S land in one transport write, so the session's lookahead
	// bundles the sync into the backend round trip. The client is owed
	// exactly one Z for its S.
	execFrame := append(wire.NewBuilder().LenString("").Build(), make([]byte, 4)...)
	if err := h.enc.WriteFrame('E', execFrame); err != nil {
		t.Fatalf("writing E frame: %v", err)
	}
	if err := h.enc.WriteFrame('S', nil); err != nil {
		t.Fatalf("writing S frame: %v", err)
	}
	if err := h.enc.Flush(); err != nil {
		t.Fatalf("flushing pipelined frames: %v", err)
	}

	h.expectFrame(t, 'C')
	if z := h.expectFrame(t, 'Z'); mustByte(t, z) != 'I' {
		t.Fatalf("expected I after pipelined sync")
	}

	// A stray second Z for the consumed S would surface here, ahead of
	// the C this query produces.
	h.send(t, 'Q', cstring("select 1;"))
	h.expectFrame(t, 'C')
	h.expectFrame(t, 'Z')
}

func TestConfigStatementUpdatesSessionStateTable(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.send(t, 'Q', cstring("set search_path := public;"))
	h.expectFrame(t, 'C')
	h.expectFrame(t, 'Z')

	wantInsert := "INSERT INTO _edgecon_state (name, value, type) VALUES ('search_path', 'public', 'C')"
	found := false
	for _, stmt := range h.fakeBck.Executed {
		if stmt == wantInsert {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config row persisted to the state table, executed: %v", h.fakeBck.Executed)
	}
}

func TestSavepointDeclarePersistsTrackingRow(t *testing.T) {
	h := newHarness(t)
	h.handshake(t)

	h.fakeBck.StatusAfter["start transaction"] = backend.InTrans
	h.fakeBck.StatusAfter["declare savepoint s1"] = backend.InTrans
	h.send(t, 'Q', cstring("start transaction;"))
	h.expectFrame(t, 'C')
	h.expectFrame(t, 'Z')
	h.send(t, 'Q', cstring("declare savepoint s1;"))
	h.expectFrame(t, 'C')
	h.expectFrame(t, 'Z')

	wantInsert := "INSERT INTO _edgecon_current_savepoint (sp_id) VALUES (" + strconv.FormatInt(fnvSavepointID("s1"), 10) + ")"
	found := false
	for _, stmt := range h.fakeBck.Executed {
		if stmt == wantInsert {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected savepoint id persisted, executed: %v", h.fakeBck.Executed)
	}
}

func mustByte(t *testing.T, m *wire.Message) byte {
	t.Helper()
	b, err := m.ReadByte()
	if err != nil {
		t.Fatalf("reading status byte: %v", err)
	}
	return b
}
