package mcp

import (
	"fmt"
	"sync"
)

// RowRef identifies a row listed to the agent by its table and client id,
// which stays valid after the row is promoted to a server id.
type RowRef struct {
	Table    string
	ClientID string
}

// RowSession hands out short session references (P1, P2, ...) for rows
// listed by tally_pending, so later tool calls can name a row without
// repeating its table and id. The counter is global to the session.
type RowSession struct {
	mu      sync.Mutex
	refs    map[string]RowRef
	reverse map[RowRef]string
	counter int
}

// NewRowSession creates an empty session.
func NewRowSession() *RowSession {
	return &RowSession{
		refs:    make(map[string]RowRef),
		reverse: make(map[RowRef]string),
	}
}

// Track returns the session reference of a row, assigning the next one if
// the row has not been seen.
func (s *RowSession) Track(table, clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := RowRef{Table: table, ClientID: clientID}
	if ref, ok := s.reverse[row]; ok {
		return ref
	}
	s.counter++
	ref := fmt.Sprintf("P%d", s.counter)
	s.refs[ref] = row
	s.reverse[row] = ref
	return ref
}

// Resolve returns the row behind a session reference.
func (s *RowSession) Resolve(ref string) (RowRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.refs[ref]
	return row, ok
}

// Clear forgets every reference and restarts the counter.
func (s *RowSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = make(map[string]RowRef)
	s.reverse = make(map[RowRef]string)
	s.counter = 0
}
