// Package netcompiler implements the compiler client as a TCP
// connection to an external compiler process, reusing the frontend's
// own framed wire codec for the request/response shape.
package netcompiler

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gelsrv/edgecore/internal/compiler"
	"github.com/gelsrv/edgecore/internal/dbview"
	"github.com/gelsrv/edgecore/internal/edgeerr"
	"github.com/gelsrv/edgecore/internal/queryunit"
	"github.com/gelsrv/edgecore/internal/wire"
)

// Client is a compiler.Client backed by a single persistent connection
// to an external compiler process, redialed lazily after a failure.
type Client struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

// Dial creates a netcompiler client targeting addr. The connection
// itself is established lazily on first use.
func Dial(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return edgeerr.CompilerError("dialing compiler", err)
	}
	c.conn = conn
	c.enc = wire.NewEncoder(conn)
	c.dec = wire.NewDecoder(conn)
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.enc, c.dec = nil, nil, nil
}

// roundTrip sends one request frame and returns the single response
// frame, under the client's connection lock; every compiler operation
// is a single request followed by a single response.
func (c *Client) roundTrip(ctx context.Context, reqType byte, payload []byte) (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := c.enc.WriteFrame(reqType, payload); err != nil {
		c.reset()
		return nil, edgeerr.CompilerError("writing compiler request", err)
	}
	if err := c.enc.Flush(); err != nil {
		c.reset()
		return nil, edgeerr.CompilerError("flushing compiler request", err)
	}

	msg, err := c.dec.WaitForMessage()
	if err != nil {
		c.reset()
		return nil, edgeerr.CompilerError("reading compiler response", err)
	}
	return msg, nil
}

func outputModeByte(m compiler.OutputMode) byte { return byte(m) }

func decodeUnitsResponse(msg *wire.Message) ([]*queryunit.Unit, error) {
	switch msg.Type {
	case respUnits:
		return readUnitList(msg)
	case respCompilerFailed:
		reason, _ := msg.ReadLenString()
		return nil, edgeerr.CompilerError(reason, nil)
	default:
		return nil, edgeerr.CompilerError(fmt.Sprintf("unexpected compiler response type %q", msg.Type), nil)
	}
}

func (c *Client) Compile(ctx context.Context, dbVersion, text string, aliases dbview.Aliases, config dbview.Settings, mode compiler.OutputMode) ([]*queryunit.Unit, error) {
	b := wire.NewBuilder().LenString(dbVersion).LenString(text)
	writeStringMap(b, aliases)
	writeStringMap(b, config)
	b.Byte(outputModeByte(mode))

	msg, err := c.roundTrip(ctx, reqCompile, b.Build())
	if err != nil {
		return nil, err
	}
	return decodeUnitsResponse(msg)
}

func (c *Client) CompileInTx(ctx context.Context, txID, text string, mode compiler.OutputMode, legacy, graphql bool, stmtMode compiler.StmtMode) ([]*queryunit.Unit, error) {
	b := wire.NewBuilder().
		LenString(txID).
		LenString(text).
		Byte(outputModeByte(mode)).
		Byte(boolByte(legacy)).
		Byte(boolByte(graphql)).
		Byte(byte(stmtMode))

	msg, err := c.roundTrip(ctx, reqCompileInTx, b.Build())
	if err != nil {
		return nil, err
	}
	return decodeUnitsResponse(msg)
}

func (c *Client) TryCompileRollback(ctx context.Context, dbVersion, text string) (*queryunit.Unit, int, error) {
	b := wire.NewBuilder().LenString(dbVersion).LenString(text)

	msg, err := c.roundTrip(ctx, reqTryCompileRollback, b.Build())
	if err != nil {
		return nil, 0, err
	}
	switch msg.Type {
	case respRollback:
		hasUnit, err := msg.ReadByte()
		if err != nil {
			return nil, 0, edgeerr.CompilerError("malformed rollback response", err)
		}
		var unit *queryunit.Unit
		if hasUnit != 0 {
			unit, err = readUnit(msg)
			if err != nil {
				return nil, 0, edgeerr.CompilerError("malformed rollback unit", err)
			}
		}
		remaining, err := msg.ReadUint32()
		if err != nil {
			return nil, 0, edgeerr.CompilerError("malformed rollback remaining count", err)
		}
		return unit, int(remaining), nil
	case respCompilerFailed:
		reason, _ := msg.ReadLenString()
		return nil, 0, edgeerr.CompilerError(reason, nil)
	default:
		return nil, 0, edgeerr.CompilerError(fmt.Sprintf("unexpected compiler response type %q", msg.Type), nil)
	}
}

func (c *Client) InterpretBackendError(ctx context.Context, dbVersion string, fields map[string]string) error {
	b := wire.NewBuilder().LenString(dbVersion)
	writeStringMap(b, fields)

	msg, err := c.roundTrip(ctx, reqInterpretBackendErr, b.Build())
	if err != nil {
		return err
	}
	switch msg.Type {
	case respStructuredErr:
		code, err := msg.ReadUint32()
		if err != nil {
			return edgeerr.CompilerError("malformed structured error response", err)
		}
		message, err := msg.ReadLenString()
		if err != nil {
			return edgeerr.CompilerError("malformed structured error message", err)
		}
		count, err := msg.ReadUint32()
		if err != nil {
			return edgeerr.CompilerError("malformed structured error fields", err)
		}
		e := edgeerr.New(edgeerr.Code(code), message)
		for i := uint32(0); i < count; i++ {
			tag, err := msg.ReadByte()
			if err != nil {
				return edgeerr.CompilerError("malformed structured error field tag", err)
			}
			value, err := msg.ReadLenString()
			if err != nil {
				return edgeerr.CompilerError("malformed structured error field value", err)
			}
			e.WithField(tag, value)
		}
		return e
	case respCompilerFailed:
		reason, _ := msg.ReadLenString()
		return edgeerr.CompilerError(reason, nil)
	default:
		return edgeerr.CompilerError(fmt.Sprintf("unexpected compiler response type %q", msg.Type), nil)
	}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
	return err
}

var _ compiler.Client = (*Client)(nil)
