package canvas

import "github.com/davicaetano/collabcanvas/internal/uuidgen"

// Session is the per-attachment identity of this client. It is minted
// once when the engine starts and held for the attachment's lifetime,
// never persisted. It is a correlation token only; it distinguishes
// this client's writes from others' during reconciliation and is never
// used for authorization.
type Session struct {
	id string
}

// NewSession mints a fresh session identity
func NewSession() *Session {
	return &Session{id: uuidgen.MustNewSessionID()}
}

// ID returns the opaque session identity string
func (s *Session) ID() string {
	return s.id
}

// User identifies the human behind this client. Identity comes from an
// external provider; the engine only carries it through to cursor and
// presence records.
type User struct {
	ID    string
	Name  string
	Photo string
	Color string
}
