// Package session holds the client's local copy of project state. The store is
// a single reducer-managed document: the UI and the sync engines mutate it only
// through dispatched actions, and read it only through immutable snapshots.
package session

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/margin/internal/project"
)

const subscriberBufferSize = 16

// Settings captures the client-side knobs the sync engines consult before
// touching the network.
type Settings struct {
	CollaborationEnabled bool
	MemberID             string
	DisplayName          string
}

// State is one immutable snapshot of the local project document.
type State struct {
	ActiveProjectID string
	Files           []project.CodeFile
	Annotations     []project.Annotation
	Replies         []project.Reply
	Settings        Settings
}

// Store is the reducer-managed local truth for one client. Safe for concurrent
// use; every dispatch runs under the store lock and fans the resulting
// snapshot out to subscribers without blocking.
type Store struct {
	mu          sync.RWMutex
	state       State
	subscribers map[int]chan State
	nextID      int
}

// NewStore returns an empty local store.
func NewStore() *Store {
	return &Store{subscribers: make(map[int]chan State)}
}

// Action is a single reducer step. Implementations mutate the working copy of
// the state; the store handles locking, snapshotting, and notification.
type Action interface {
	apply(state *State)
}

// Dispatch applies one action and notifies subscribers with the new snapshot.
func (s *Store) Dispatch(action Action) State {
	s.mu.Lock()
	action.apply(&s.state)
	snapshot := cloneState(s.state)
	subscribers := make([]chan State, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	s.mu.Unlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- snapshot:
		default:
			// Slow subscribers miss intermediate snapshots, never block dispatch.
		}
	}
	return snapshot
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// Subscribe registers a snapshot listener. The returned cancel function must
// be called when the listener goes away.
func (s *Store) Subscribe() (<-chan State, func()) {
	channel := make(chan State, subscriberBufferSize)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = channel
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return channel, cancel
}

func cloneState(state State) State {
	cloned := state
	cloned.Files = append([]project.CodeFile(nil), state.Files...)
	cloned.Annotations = append([]project.Annotation(nil), state.Annotations...)
	cloned.Replies = append([]project.Reply(nil), state.Replies...)
	return cloned
}

func sortFiles(files []project.CodeFile) {
	sort.SliceStable(files, func(left, right int) bool {
		if files[left].DisplayOrder != files[right].DisplayOrder {
			return files[left].DisplayOrder < files[right].DisplayOrder
		}
		return files[left].CreatedAtSeconds < files[right].CreatedAtSeconds
	})
}
