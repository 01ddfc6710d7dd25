// Package pgwire implements the backend driver contract against a
// PostgreSQL-compatible server. PostgreSQL's post-startup
// message framing — a one-byte type tag followed by a 4-byte
// big-endian length inclusive of itself — is byte-for-byte the same
// shape as the edge connection's own framed wire codec, so this
// package reuses internal/wire's Encoder/Decoder/Builder/Message
// directly rather than a second hand-rolled message reader.
package pgwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gelsrv/edgecore/internal/backend"
	"github.com/gelsrv/edgecore/internal/edgeerr"
	"github.com/gelsrv/edgecore/internal/queryunit"
	"github.com/gelsrv/edgecore/internal/wire"
)

const protocolVersion3 = 196608 // 3 << 16 | 0

// Config describes how to reach and authenticate against a backend.
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Client is a backend.Client implementation speaking the PostgreSQL
// frontend/backend wire protocol.
type Client struct {
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder

	mu         sync.Mutex
	xactStatus backend.XactStatus

	preparedStmts map[string]bool
}

// Connect dials and authenticates a new backend connection.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, edgeerr.New(edgeerr.CodeBackendError, fmt.Sprintf("dialing backend %s: %v", addr, err))
	}

	c := &Client{
		conn:          conn,
		enc:           wire.NewEncoder(conn),
		dec:           wire.NewDecoder(conn),
		xactStatus:    backend.Idle,
		preparedStmts: make(map[string]bool),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if cfg.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}

	if err := c.sendStartup(cfg.Username, cfg.Database); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.authenticate(cfg.Username, cfg.Password); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return c, nil
}

// sendStartup writes PostgreSQL's untyped startup message: a 4-byte
// length (inclusive), the protocol version, then null-terminated
// key/value pairs, terminated by an empty string.
func (c *Client) sendStartup(user, database string) error {
	var body bytes.Buffer
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], protocolVersion3)
	body.Write(verBuf[:])

	writePair := func(k, v string) {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(v)
		body.WriteByte(0)
	}
	writePair("user", user)
	writePair("database", database)
	body.WriteByte(0)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()+4))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return edgeerr.New(edgeerr.CodeBackendError, "writing startup length: "+err.Error())
	}
	if _, err := c.conn.Write(body.Bytes()); err != nil {
		return edgeerr.New(edgeerr.CodeBackendError, "writing startup body: "+err.Error())
	}
	return nil
}

// authenticate drives the AuthenticationX exchange up to the first
// ReadyForQuery, dispatching on the backend's chosen auth method.
func (c *Client) authenticate(user, password string) error {
	for {
		msg, err := c.dec.WaitForMessage()
		if err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "reading auth response: "+err.Error())
		}
		switch msg.Type {
		case 'E':
			return parseErrorResponse(msg)
		case 'R':
			authType, err := msg.ReadUint32()
			if err != nil {
				return edgeerr.New(edgeerr.CodeBackendError, "malformed authentication message")
			}
			switch authType {
			case 0: // AuthenticationOk
				// fall through to the post-auth message loop below
			case 2: // AuthenticationKerberosV5 — unsupported
				return edgeerr.New(edgeerr.CodeBackendError, "backend requires unsupported Kerberos authentication")
			case 3: // AuthenticationCleartextPassword
				if err := sendPassword(c.enc, password); err != nil {
					return edgeerr.New(edgeerr.CodeBackendError, "sending cleartext password: "+err.Error())
				}
				continue
			case 5: // AuthenticationMD5Password
				salt, err := msg.ReadBytes(4)
				if err != nil {
					return edgeerr.New(edgeerr.CodeBackendError, "malformed MD5 salt")
				}
				if err := sendPassword(c.enc, computeMD5Password(user, password, salt)); err != nil {
					return edgeerr.New(edgeerr.CodeBackendError, "sending MD5 password: "+err.Error())
				}
				continue
			case 10: // AuthenticationSASL
				if err := scramSHA256Auth(c.enc, c.dec, user, password, msg.ReadRemaining()); err != nil {
					return edgeerr.New(edgeerr.CodeBackendError, "SCRAM authentication: "+err.Error())
				}
				continue
			default:
				return edgeerr.New(edgeerr.CodeBackendError, fmt.Sprintf("unsupported authentication method %d", authType))
			}
		default:
			return edgeerr.New(edgeerr.CodeBackendError, fmt.Sprintf("unexpected message %q during authentication", msg.Type))
		}
		break
	}
	return c.drainToReadyForQuery()
}

// drainToReadyForQuery consumes ParameterStatus/BackendKeyData/NoticeResponse
// messages until ReadyForQuery, recording the backend's reported status.
func (c *Client) drainToReadyForQuery() error {
	for {
		msg, err := c.dec.WaitForMessage()
		if err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "reading startup response: "+err.Error())
		}
		switch msg.Type {
		case 'Z':
			status, err := msg.ReadByte()
			if err != nil {
				return edgeerr.New(edgeerr.CodeBackendError, "malformed ReadyForQuery")
			}
			c.setStatus(status)
			return nil
		case 'E':
			return parseErrorResponse(msg)
		case 'S', 'K', 'N':
			continue
		default:
			continue
		}
	}
}

func (c *Client) setStatus(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch b {
	case 'T':
		c.xactStatus = backend.InTrans
	case 'E':
		c.xactStatus = backend.InError
	default:
		c.xactStatus = backend.Idle
	}
}

// parseErrorResponse decodes an ErrorResponse ('E') message's field
// list into an edgeerr.Error, keyed by PostgreSQL's single-byte field
// tags (e.g. 'M' message, 'C' SQLSTATE code, 'S' severity).
func parseErrorResponse(msg *wire.Message) *edgeerr.Error {
	fields := map[byte]string{}
	for {
		tag, err := msg.ReadByte()
		if err != nil || tag == 0 {
			break
		}
		s, err := msg.ReadCString()
		if err != nil {
			break
		}
		fields[tag] = s
	}
	message := fields['M']
	if message == "" {
		message = "backend error"
	}
	e := edgeerr.New(edgeerr.CodeBackendError, message)
	for tag, value := range fields {
		e.WithField(tag, value)
	}
	return e
}

func preparedStmtName(unit *queryunit.Unit) string {
	return "edgecore_" + unit.PreparedStmtHash
}

// ParseExecute drives the extended query subprotocol: optional Parse,
// optional Bind+Execute, and an optional trailing Sync. rows
// receives each DataRow's columns as they stream in, never buffered
// in full.
func (c *Client) ParseExecute(ctx context.Context, parseFlag, executeFlag bool, unit *queryunit.Unit, bindPayload []byte, sendSync, usePreparedStmt bool, rows backend.RowHandler) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	stmtName := ""
	if usePreparedStmt {
		stmtName = preparedStmtName(unit)
	}

	wroteParse := false
	if parseFlag && !(usePreparedStmt && c.preparedStmts[stmtName]) {
		parseBody := wire.NewBuilder().
			CString(stmtName).
			CString(string(unit.SQL)).
			Uint16(0). // no declared parameter type OIDs; backend infers
			Build()
		if err := c.enc.WriteFrame('P', parseBody); err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "writing Parse: "+err.Error())
		}
		if usePreparedStmt {
			c.preparedStmts[stmtName] = true
		}
		wroteParse = true
	}

	if executeFlag {
		// bindPayload is the recoder's argument vector: param-format
		// vector, arg count, args, result-format vector. It is already
		// shaped to sit directly after the portal/statement cstrings
		// in a Bind message body.
		bindBody := append(wire.NewBuilder().CString("").CString(stmtName).Build(), bindPayload...)
		if err := c.enc.WriteFrame('B', bindBody); err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "writing Bind: "+err.Error())
		}

		executeBody := wire.NewBuilder().CString("").Uint32(0).Build()
		if err := c.enc.WriteFrame('E', executeBody); err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "writing Execute: "+err.Error())
		}
	}

	if !wroteParse && !executeFlag && !sendSync {
		// A parse request satisfied by an already-warm prepared
		// statement: nothing crossed the wire and nothing will answer.
		return nil
	}

	if sendSync {
		if err := c.enc.WriteFrame('S', nil); err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "writing Sync: "+err.Error())
		}
	} else {
		// Without a Sync the backend buffers its responses; a Flush
		// makes it answer what was sent so far.
		if err := c.enc.WriteFrame('H', nil); err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "writing Flush: "+err.Error())
		}
	}
	if err := c.enc.Flush(); err != nil {
		return edgeerr.New(edgeerr.CodeBackendError, "flushing extended query messages: "+err.Error())
	}

	for {
		msg, err := c.dec.WaitForMessage()
		if err != nil {
			return edgeerr.New(edgeerr.CodeBackendError, "reading extended query response: "+err.Error())
		}
		switch msg.Type {
		case '1': // ParseComplete
			if !executeFlag && !sendSync {
				return nil
			}
		case '2', 'T', 'n': // BindComplete, RowDescription, NoData
		case 'D': // DataRow
			cols, err := readDataRow(msg)
			if err != nil {
				return err
			}
			if rows != nil {
				if err := rows(cols); err != nil {
					return err
				}
			}
		case 'C', 'I', 's': // CommandComplete, EmptyQueryResponse, PortalSuspended
			if !sendSync {
				return nil
			}
		case 'E':
			if sendSync {
				c.discardUntilReady()
			}
			return parseErrorResponse(msg)
		case 'Z':
			status, err := msg.ReadByte()
			if err != nil {
				return edgeerr.New(edgeerr.CodeBackendError, "malformed ReadyForQuery")
			}
			c.setStatus(status)
			return nil
		}
	}
}

func readDataRow(msg *wire.Message) ([][]byte, error) {
	n, err := msg.ReadUint16()
	if err != nil {
		return nil, edgeerr.New(edgeerr.CodeBackendError, "malformed DataRow column count")
	}
	cols := make([][]byte, n)
	for i := range cols {
		length, err := msg.ReadUint32()
		if err != nil {
			return nil, edgeerr.New(edgeerr.CodeBackendError, "malformed DataRow column length")
		}
		if int32(length) < 0 {
			cols[i] = nil
			continue
		}
		b, err := msg.ReadBytes(int(length))
		if err != nil {
			return nil, edgeerr.New(edgeerr.CodeBackendError, "malformed DataRow column value")
		}
		cols[i] = b
	}
	return cols, nil
}

func (c *Client) discardUntilReady() {
	msg, err := c.dec.DiscardUntil('Z')
	if err != nil {
		return
	}
	if status, err := msg.ReadByte(); err == nil {
		c.setStatus(status)
	}
}

// SimpleQuery runs sql (possibly several ';'-separated statements)
// using the simple query subprotocol, returning each statement's rows
// unless ignoreData is set.
func (c *Client) SimpleQuery(ctx context.Context, sql string, ignoreData bool) ([][][]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.enc.WriteFrame('Q', wire.NewBuilder().CString(sql).Build()); err != nil {
		return nil, edgeerr.New(edgeerr.CodeBackendError, "writing Query: "+err.Error())
	}
	if err := c.enc.Flush(); err != nil {
		return nil, edgeerr.New(edgeerr.CodeBackendError, "flushing Query: "+err.Error())
	}

	var rows [][][]byte
	for {
		msg, err := c.dec.WaitForMessage()
		if err != nil {
			return nil, edgeerr.New(edgeerr.CodeBackendError, "reading simple query response: "+err.Error())
		}
		switch msg.Type {
		case 'T', 'C', 'I', 'n':
			continue
		case 'D':
			cols, err := readDataRow(msg)
			if err != nil {
				return nil, err
			}
			if !ignoreData {
				rows = append(rows, cols)
			}
		case 'E':
			c.discardUntilReady()
			return nil, parseErrorResponse(msg)
		case 'Z':
			status, err := msg.ReadByte()
			if err != nil {
				return nil, edgeerr.New(edgeerr.CodeBackendError, "malformed ReadyForQuery")
			}
			c.setStatus(status)
			return rows, nil
		default:
			continue
		}
	}
}

// Sync sends a bare Sync and waits for ReadyForQuery, returning the
// backend's resulting transaction status.
func (c *Client) Sync(ctx context.Context) (backend.XactStatus, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.enc.WriteFrame('S', nil); err != nil {
		return backend.Idle, edgeerr.New(edgeerr.CodeBackendError, "writing Sync: "+err.Error())
	}
	if err := c.enc.Flush(); err != nil {
		return backend.Idle, edgeerr.New(edgeerr.CodeBackendError, "flushing Sync: "+err.Error())
	}
	msg, err := c.dec.DiscardUntil('Z')
	if err != nil {
		return backend.Idle, edgeerr.New(edgeerr.CodeBackendError, "waiting for ReadyForQuery: "+err.Error())
	}
	status, err := msg.ReadByte()
	if err != nil {
		return backend.Idle, edgeerr.New(edgeerr.CodeBackendError, "malformed ReadyForQuery")
	}
	c.setStatus(status)
	return c.XactStatusValue(), nil
}

func (c *Client) InTx() bool {
	s := c.XactStatusValue()
	return s == backend.InTrans || s == backend.InError
}

func (c *Client) XactStatusValue() backend.XactStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xactStatus
}

// Close sends Terminate and closes the underlying connection.
func (c *Client) Close() error {
	c.enc.WriteFrame('X', nil)
	c.enc.Flush()
	return c.conn.Close()
}

var _ backend.Client = (*Client)(nil)
