package orchestrator

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PersistedTask is the durable projection of a task: payload, terminal or
// in-flight state, and the full transition audit trail.
type PersistedTask struct {
	ID         string             `json:"id"`
	EntryStage string             `json:"entry_stage"`
	Payload    json.RawMessage    `json:"payload"`
	State      State              `json:"state"`
	History    []TransitionRecord `json:"history"`
}

// Store persists task history and state so a runtime deployed with
// persistence can resume in-flight tasks after a restart. Implementations
// must persist each transition before the router publishes its event.
type Store interface {
	// SaveTask persists a newly admitted task in Pending state.
	SaveTask(id, entryStage string, payload json.RawMessage) error

	// AppendTransition persists one transition record together with the
	// task state after it.
	AppendTransition(id string, rec TransitionRecord, state State) error

	// Load returns every persisted task.
	Load() ([]PersistedTask, error)
}

// MemoryStore is the default Store. It keeps everything in memory, which
// satisfies the interface for deployments that accept losing in-flight
// tasks on restart.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*PersistedTask
	order []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*PersistedTask)}
}

// SaveTask persists a new task.
func (s *MemoryStore) SaveTask(id, entryStage string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[id]; dup {
		return fmt.Errorf("task %s already persisted", id)
	}
	s.tasks[id] = &PersistedTask{
		ID:         id,
		EntryStage: entryStage,
		Payload:    payload,
		State:      StatePending,
	}
	s.order = append(s.order, id)
	return nil
}

// AppendTransition appends a record and updates the task state.
func (s *MemoryStore) AppendTransition(id string, rec TransitionRecord, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not persisted", id)
	}
	t.History = append(t.History, rec)
	t.State = state
	return nil
}

// Load returns all persisted tasks in admission order.
func (s *MemoryStore) Load() ([]PersistedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PersistedTask, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		history := make([]TransitionRecord, len(t.History))
		copy(history, t.History)
		out = append(out, PersistedTask{
			ID:         t.ID,
			EntryStage: t.EntryStage,
			Payload:    t.Payload,
			State:      t.State,
			History:    history,
		})
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
