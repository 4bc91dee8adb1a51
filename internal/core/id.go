package core

import "github.com/google/uuid"

// SessionID is the opaque 128-bit session identifier.
type SessionID [16]byte

// NewSessionID generates a fresh random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// String renders the id in canonical UUID form for logs and wire payloads.
func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the unset zero value.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// ParseSessionID parses a canonical UUID string back into a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, err
	}
	return SessionID(u), nil
}
