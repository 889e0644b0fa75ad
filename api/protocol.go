package api

const (
	createTodoMaxSize = 64 * 1024 // 64 KiB

	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// POST /api/todos request body
type createTodoRequest struct {
	Text *string `json:"text"`
}

type createTodoResponse struct {
	ID uint64 `json:"id"`
}

// complete and delete response body
type messageResponse struct {
	Message string `json:"message"`
	Found   bool   `json:"found"`
}

type getTodoResponse struct {
	Text  string `json:"text"`
	Found bool   `json:"found"`
}

type completedResponse struct {
	Completed bool `json:"completed"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type totalResponse struct {
	Total uint64 `json:"total"`
}
