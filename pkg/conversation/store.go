// Package conversation keeps per-conversation history and turns incoming
// requests into generated replies.
package conversation

import (
	"sort"
	"sync"

	"commonroom/pkg/protocol"
)

// Store holds the turns of every live conversation. It is owned by one
// process component and passed explicitly; nothing here is global.
//
// Thread-safe: all methods take the mutex. Slices handed out are copies.
type Store struct {
	mu    sync.RWMutex
	turns map[string][]protocol.Turn
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{turns: make(map[string][]protocol.Turn)}
}

// History returns a copy of the turns recorded for id, oldest first.
func (s *Store) History(id string) []protocol.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.turns[id]
	if len(src) == 0 {
		return nil
	}
	out := make([]protocol.Turn, len(src))
	copy(out, src)
	return out
}

// Append adds turns to the end of id's history.
func (s *Store) Append(id string, turns ...protocol.Turn) {
	if len(turns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[id] = append(s.turns[id], turns...)
}

// Replace swaps id's history for turns in one step. With no turns the
// conversation is dropped.
func (s *Store) Replace(id string, turns ...protocol.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(turns) == 0 {
		delete(s.turns, id)
		return
	}
	s.turns[id] = append([]protocol.Turn(nil), turns...)
}

// Reset discards id's history.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, id)
}

// IDs returns the ids of all conversations with history, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of turns recorded for id.
func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[id])
}
