// Package auth implements the credential verifier the session
// protocol engine delegates to during the authenticate step. The
// verification policy is pluggable rather than hardwired, so hosts
// that delegate authentication to the backend engine can keep the
// accept-all behavior while others install a real check.
package auth

import (
	"crypto/subtle"

	"github.com/gelsrv/edgecore/internal/edgeerr"
)

// Verifier checks a (user, password, database) triple submitted on the
// wire's authentication frame.
type Verifier interface {
	Verify(user, password, database string) error
}

// AcceptAll accepts any credentials. Suitable for development and for
// deployments that delegate authentication to the SQL engine itself.
type AcceptAll struct{}

func (AcceptAll) Verify(user, password, database string) error { return nil }

// StaticTable verifies against a fixed in-memory username/password
// table, independent of which database the client asks to attach to.
type StaticTable struct {
	Users map[string]string
}

// NewStaticTable builds a StaticTable from a username->password map.
func NewStaticTable(users map[string]string) *StaticTable {
	return &StaticTable{Users: users}
}

func (s *StaticTable) Verify(user, password, database string) error {
	want, ok := s.Users[user]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return edgeerr.AuthenticationFailed(user)
	}
	return nil
}
