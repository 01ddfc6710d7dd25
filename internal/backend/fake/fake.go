// Package fake provides an in-memory backend.Client test double, so
// internal/protocol's tests can drive the session state machine
// without a real PostgreSQL-compatible server.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/gelsrv/edgecore/internal/backend"
	"github.com/gelsrv/edgecore/internal/queryunit"
)

// Client is a scriptable backend.Client. Tests configure Results and
// Errors keyed by statement text; ParseExecute and SimpleQuery
// consult them instead of talking to a real backend.
type Client struct {
	mu sync.Mutex

	// Results maps a statement's exact text to the rows it should
	// produce. A statement absent from the map produces no rows.
	Results map[string][][][]byte

	// Errors maps a statement's exact text to the error it should
	// fail with, simulating a backend-rejected statement.
	Errors map[string]error

	// StatusAfter optionally overrides the transaction status reported
	// after a given statement's execution. For a statement not present,
	// ParseExecute reports Idle after a successful execute and
	// SimpleQuery leaves the status unchanged; TxAction is not consulted.
	StatusAfter map[string]backend.XactStatus

	status      backend.XactStatus
	closed      bool
	Executed    []string
	preparedIDs map[string]bool
}

// New creates a fake backend client, initially Idle.
func New() *Client {
	return &Client{
		Results:     make(map[string][][][]byte),
		Errors:      make(map[string]error),
		StatusAfter: make(map[string]backend.XactStatus),
		preparedIDs: make(map[string]bool),
	}
}

func (c *Client) ParseExecute(ctx context.Context, parseFlag, executeFlag bool, unit *queryunit.Unit, bindPayload []byte, sendSync, usePreparedStmt bool, rows backend.RowHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	text := strings.TrimSpace(string(unit.SQL))
	if usePreparedStmt && parseFlag {
		c.preparedIDs[unit.PreparedStmtHash] = true
	}
	if !executeFlag {
		return nil
	}
	c.Executed = append(c.Executed, text)

	if err, ok := c.Errors[text]; ok {
		c.status = backend.InError
		return err
	}
	if rs, ok := c.Results[text]; ok && rows != nil {
		for _, row := range rs {
			if err := rows(row); err != nil {
				return err
			}
		}
	}
	if s, ok := c.StatusAfter[text]; ok {
		c.status = s
	} else {
		c.status = backend.Idle
	}
	return nil
}

func (c *Client) SimpleQuery(ctx context.Context, sql string, ignoreData bool) ([][][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows [][][]byte
	for _, stmt := range strings.Split(sql, ";") {
		text := strings.TrimSpace(stmt)
		if text == "" {
			continue
		}
		c.Executed = append(c.Executed, text)
		if err, ok := c.Errors[text]; ok {
			c.status = backend.InError
			return nil, err
		}
		if rs, ok := c.Results[text]; ok && !ignoreData {
			rows = append(rows, rs...)
		}
		if s, ok := c.StatusAfter[text]; ok {
			c.status = s
		}
	}
	return rows, nil
}

func (c *Client) Sync(ctx context.Context) (backend.XactStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *Client) InTx() bool {
	s := c.XactStatusValue()
	return s == backend.InTrans || s == backend.InError
}

func (c *Client) XactStatusValue() backend.XactStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus lets a test force the fake's reported transaction status,
// simulating an out-of-band backend state change.
func (c *Client) SetStatus(s backend.XactStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ backend.Client = (*Client)(nil)
