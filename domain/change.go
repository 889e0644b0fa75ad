package domain

import (
	"fmt"
	"sort"
)

// Op names a state transition of the registry.
type Op string

const (
	OpCreate   Op = "create"
	OpComplete Op = "complete"
	OpDelete   Op = "delete"
)

// Change describes one applied mutation. Changes are what journals persist
// and what notification sinks receive.
type Change struct {
	Op        Op     `json:"op"`
	ID        uint64 `json:"id"`
	Text      string `json:"text,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Registry  string `json:"registry,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Event returns the notification type for the change.
func (c Change) Event() string {
	switch c.Op {
	case OpCreate:
		return "todo-created"
	case OpComplete:
		return "todo-completed"
	case OpDelete:
		return "todo-deleted"
	}
	return "todo-" + string(c.Op)
}

// Snapshot is the full persisted state of a registry.
type Snapshot struct {
	TotalCreated uint64 `json:"totalCreated"`
	Tasks        []Task `json:"tasks"`
}

// Replayer rebuilds a Snapshot from an ordered stream of changes. It is used
// by journals that store changes rather than state.
type Replayer struct {
	total uint64
	tasks map[uint64]Task
}

// NewReplayer starts a replay from an empty registry.
func NewReplayer() *Replayer {
	return &Replayer{tasks: make(map[uint64]Task)}
}

// Apply replays ch. Changes that a registry could not have produced, such as
// an out of sequence create, are rejected.
func (r *Replayer) Apply(ch Change) error {
	switch ch.Op {
	case OpCreate:
		if ch.ID != r.total+1 {
			return fmt.Errorf("create of todo %d out of sequence, counter at %d", ch.ID, r.total)
		}
		r.total = ch.ID
		r.tasks[ch.ID] = Task{ID: ch.ID, Text: ch.Text}
	case OpComplete:
		t, ok := r.tasks[ch.ID]
		if !ok {
			return fmt.Errorf("complete of unknown todo %d", ch.ID)
		}
		t.Completed = true
		r.tasks[ch.ID] = t
	case OpDelete:
		if _, ok := r.tasks[ch.ID]; !ok {
			return fmt.Errorf("delete of unknown todo %d", ch.ID)
		}
		delete(r.tasks, ch.ID)
	default:
		return fmt.Errorf("unknown op %q", ch.Op)
	}
	return nil
}

// Snapshot returns the replayed state with tasks ordered by id.
func (r *Replayer) Snapshot() Snapshot {
	snap := Snapshot{TotalCreated: r.total, Tasks: make([]Task, 0, len(r.tasks))}
	for _, t := range r.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	sortTasks(snap.Tasks)
	return snap
}

// Validate checks that the snapshot could have been produced by a registry:
// every task id is unique and within the counter.
func (s Snapshot) Validate() error {
	seen := make(map[uint64]struct{}, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ID == 0 || t.ID > s.TotalCreated {
			return fmt.Errorf("todo %d outside counter range 1..%d", t.ID, s.TotalCreated)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate todo %d", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}
