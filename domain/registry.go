package domain

import (
	"context"
	"fmt"
	"sync"
)

// Journal durably records a change before the registry applies it. When
// Append fails the change is discarded.
type Journal interface {
	Append(ctx context.Context, ch Change) error
}

// Publisher is notified after a change has been applied. It must not block.
type Publisher interface {
	Publish(ch Change)
}

// Registry owns the creation counter and the two task maps. All operations
// are serialized by one mutex, so each call is a single atomic unit of work.
type Registry struct {
	name      string
	journal   Journal
	publisher Publisher

	mu           sync.Mutex
	totalCreated uint64
	texts        map[uint64]string
	completed    map[uint64]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithName sets the registry instance name carried on changes.
func WithName(name string) Option {
	return func(r *Registry) { r.name = name }
}

// WithJournal persists every change through j before it is applied.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithPublisher sends applied changes to p.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		texts:     make(map[uint64]string),
		completed: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore replaces the registry state with snap. It is meant to be called
// once at startup before the registry is shared.
func (r *Registry) Restore(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalCreated = snap.TotalCreated
	r.texts = make(map[uint64]string, len(snap.Tasks))
	r.completed = make(map[uint64]bool, len(snap.Tasks))
	for _, t := range snap.Tasks {
		r.texts[t.ID] = t.Text
		r.completed[t.ID] = t.Completed
	}
	return nil
}

// Snapshot returns a copy of the current state ordered by id.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{TotalCreated: r.totalCreated, Tasks: make([]Task, 0, len(r.texts))}
	for id, text := range r.texts {
		snap.Tasks = append(snap.Tasks, Task{ID: id, Text: text, Completed: r.completed[id]})
	}
	sortTasks(snap.Tasks)
	return snap
}

// Create stores text under the next id and returns that id. The text is
// kept verbatim, empty strings included. The only possible error comes from
// the journal, in which case the counter is left unchanged.
func (r *Registry) Create(ctx context.Context, text string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.totalCreated + 1
	ch := r.change(ctx, OpCreate, id)
	ch.Text = text
	if err := r.record(ctx, ch); err != nil {
		return 0, err
	}
	r.totalCreated = id
	r.texts[id] = text
	r.completed[id] = false
	r.publish(ch)
	return id, nil
}

// Complete marks the task done. Completing a done task is a successful no-op
// and is not journaled.
func (r *Registry) Complete(ctx context.Context, id uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exists(id) {
		return MsgNotFound, nil
	}
	if r.completed[id] {
		return MsgCompleted, nil
	}
	ch := r.change(ctx, OpComplete, id)
	if err := r.record(ctx, ch); err != nil {
		return "", err
	}
	r.completed[id] = true
	r.publish(ch)
	return MsgCompleted, nil
}

// Get returns the stored text or MsgNotFound.
func (r *Registry) Get(id uint64) string {
	text, ok := r.Lookup(id)
	if !ok {
		return MsgNotFound
	}
	return text
}

// Lookup returns the stored text and whether the task exists. Unlike Get it
// cannot confuse a missing task with one whose text equals MsgNotFound.
func (r *Registry) Lookup(id uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exists(id) {
		return "", false
	}
	return r.texts[id], true
}

// IsCompleted reports the completion flag. A missing task reports false.
func (r *Registry) IsCompleted(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[id]
}

// Status reports whether the task is missing, open or completed.
func (r *Registry) Status(id uint64) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.exists(id):
		return StatusNotFound
	case r.completed[id]:
		return StatusCompleted
	default:
		return StatusOpen
	}
}

// Total returns the number of tasks ever created. Deletes do not lower it.
func (r *Registry) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalCreated
}

// Delete removes both entries of the task. The id is never handed out again.
func (r *Registry) Delete(ctx context.Context, id uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.exists(id) {
		return MsgNotFound, nil
	}
	ch := r.change(ctx, OpDelete, id)
	if err := r.record(ctx, ch); err != nil {
		return "", err
	}
	delete(r.texts, id)
	delete(r.completed, id)
	r.publish(ch)
	return MsgDeleted, nil
}

func (r *Registry) exists(id uint64) bool {
	_, hasText := r.texts[id]
	_, hasFlag := r.completed[id]
	return hasText && hasFlag
}

func (r *Registry) change(ctx context.Context, op Op, id uint64) Change {
	return Change{
		Op:        op,
		ID:        id,
		Caller:    CallerFromContext(ctx),
		Registry:  r.name,
		Timestamp: nextTimestamp(),
	}
}

func (r *Registry) record(ctx context.Context, ch Change) error {
	if r.journal == nil {
		return nil
	}
	if err := r.journal.Append(ctx, ch); err != nil {
		return fmt.Errorf("journal %s of todo %d: %w", ch.Op, ch.ID, err)
	}
	return nil
}

func (r *Registry) publish(ch Change) {
	if r.publisher != nil {
		r.publisher.Publish(ch)
	}
}
