// Package passthrough implements compiler.Client in-process, without
// dialing an external compiler: a naive statement splitter and
// transaction-keyword tagger, intended for development and tests
// where a real query compiler isn't available. It forwards statement
// text to the backend unchanged instead of compiling it to SQL.
package passthrough

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/gelsrv/edgecore/internal/compiler"
	"github.com/gelsrv/edgecore/internal/dbview"
	"github.com/gelsrv/edgecore/internal/edgeerr"
	"github.com/gelsrv/edgecore/internal/queryunit"
)

// Client is an in-process compiler.Client stand-in.
type Client struct{}

// New creates a passthrough compiler client.
func New() *Client { return &Client{} }

func splitStatements(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ";") {
		s := strings.TrimSpace(part)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func savepointID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// classify tags a statement with its transactional effect and, where
// applicable, the savepoint name it names.
func classify(stmt string) (queryunit.TxAction, string) {
	lower := strings.ToLower(stmt)
	switch {
	case strings.HasPrefix(lower, "start transaction") || strings.HasPrefix(lower, "begin"):
		return queryunit.TxBegin, ""
	case strings.HasPrefix(lower, "commit"):
		return queryunit.TxCommit, ""
	case strings.HasPrefix(lower, "rollback to savepoint"):
		return queryunit.TxSavepointRollback, strings.TrimSpace(stmt[len("rollback to savepoint"):])
	case strings.HasPrefix(lower, "rollback"):
		return queryunit.TxRollback, ""
	case strings.HasPrefix(lower, "release savepoint"):
		return queryunit.TxSavepointRelease, strings.TrimSpace(stmt[len("release savepoint"):])
	case strings.HasPrefix(lower, "declare savepoint"):
		return queryunit.TxSavepointDeclare, strings.TrimSpace(stmt[len("declare savepoint"):])
	case strings.HasPrefix(lower, "savepoint"):
		return queryunit.TxSavepointDeclare, strings.TrimSpace(stmt[len("savepoint"):])
	case strings.HasPrefix(lower, "configure") || strings.HasPrefix(lower, "set "):
		return queryunit.TxNone, ""
	default:
		return queryunit.TxNone, ""
	}
}

// aliasAssignment recognizes the two module-alias statements: "set
// alias <name> as module <mod>" and "set module <mod>" (which rebinds
// the default module, the empty alias name).
func aliasAssignment(stmt string) (alias, module string, ok bool) {
	lower := strings.ToLower(stmt)
	switch {
	case strings.HasPrefix(lower, "set alias "):
		rest := strings.TrimSpace(stmt[len("set alias "):])
		idx := strings.Index(strings.ToLower(rest), " as module ")
		if idx < 0 {
			return "", "", false
		}
		return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx+len(" as module "):]), true
	case strings.HasPrefix(lower, "set module "):
		return "", strings.TrimSpace(stmt[len("set module "):]), true
	}
	return "", "", false
}

// configAssignment splits a "set key := value" or "configure key := value"
// statement into its key and value. The second result is false when stmt
// doesn't have the expected shape.
func configAssignment(stmt string) (key, value string, ok bool) {
	lower := strings.ToLower(stmt)
	var rest string
	switch {
	case strings.HasPrefix(lower, "set "):
		rest = strings.TrimSpace(stmt[len("set "):])
	case strings.HasPrefix(lower, "configure "):
		rest = strings.TrimSpace(stmt[len("configure "):])
	default:
		return "", "", false
	}
	sep := strings.Index(rest, ":=")
	if sep < 0 {
		sep = strings.Index(rest, "=")
		if sep < 0 {
			return "", "", false
		}
		return strings.TrimSpace(rest[:sep]), strings.TrimSpace(rest[sep+1:]), true
	}
	return strings.TrimSpace(rest[:sep]), strings.TrimSpace(rest[sep+2:]), true
}

func compileOne(stmt string) *queryunit.Unit {
	action, spName := classify(stmt)
	u := &queryunit.Unit{
		SQL:       []byte(stmt),
		Cacheable: action == queryunit.TxNone,
		TxAction:  action,
		UnitID:    stmt,
	}
	if alias, module, ok := aliasAssignment(stmt); ok {
		u.AliasAffecting = true
		u.AliasKey = alias
		u.AliasValue = module
	} else if key, value, ok := configAssignment(stmt); ok {
		u.ConfigAffecting = true
		u.ConfigKey = key
		u.ConfigValue = value
	}
	// Units that mutate session state compile differently per session;
	// caching them would replay a stale overlay.
	if u.ConfigAffecting || u.AliasAffecting {
		u.Cacheable = false
	}
	if spName != "" {
		u.SavepointID = savepointID(spName)
	}
	return u
}

func (c *Client) Compile(ctx context.Context, dbVersion, text string, aliases dbview.Aliases, config dbview.Settings, mode compiler.OutputMode) ([]*queryunit.Unit, error) {
	stmts := splitStatements(text)
	if len(stmts) == 0 {
		return nil, edgeerr.CompilerError("empty query source", nil)
	}
	units := make([]*queryunit.Unit, 0, len(stmts))
	for _, s := range stmts {
		units = append(units, compileOne(s))
	}
	return units, nil
}

func (c *Client) CompileInTx(ctx context.Context, txID, text string, mode compiler.OutputMode, legacy, graphql bool, stmtMode compiler.StmtMode) ([]*queryunit.Unit, error) {
	stmts := splitStatements(text)
	if stmtMode == compiler.StmtSkipFirst && len(stmts) > 0 {
		stmts = stmts[1:]
	}
	units := make([]*queryunit.Unit, 0, len(stmts))
	for _, s := range stmts {
		units = append(units, compileOne(s))
	}
	return units, nil
}

func (c *Client) TryCompileRollback(ctx context.Context, dbVersion, text string) (*queryunit.Unit, int, error) {
	stmts := splitStatements(text)
	if len(stmts) == 0 {
		return nil, 0, nil
	}
	first := compileOne(stmts[0])
	if !first.TxAction.IsRollback() {
		return nil, 0, nil
	}
	return first, len(stmts) - 1, nil
}

func (c *Client) InterpretBackendError(ctx context.Context, dbVersion string, fields map[string]string) error {
	message := fields["message"]
	if message == "" {
		message = "backend error"
	}
	e := edgeerr.New(edgeerr.CodeBackendError, message)
	for tag, value := range fields {
		if len(tag) != 1 {
			continue
		}
		e.WithField(tag[0], value)
	}
	return e
}

var _ compiler.Client = (*Client)(nil)
