package domain

import "errors"

// ErrTextTooLong is wrapped by ledgers that cannot store a task text.
var ErrTextTooLong = errors.New("todo text too long for the ledger")

// Result messages returned by registry operations. Callers detect a missing
// task by comparing against MsgNotFound; it is never reported as an error.
const (
	MsgCompleted = "Todo marked as completed!"
	MsgDeleted   = "Todo deleted successfully!"
	MsgNotFound  = "Todo not found"
)

// Task is a single registry item.
type Task struct {
	ID        uint64 `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Status distinguishes a missing task from an open one, which IsCompleted
// cannot do.
type Status string

const (
	StatusNotFound  Status = "not_found"
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
)
