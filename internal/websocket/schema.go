package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionNavigate Action = "navigate"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// Request is the single client message shape; unused fields stay empty
// depending on the action.
type Request struct {
	Action Action `json:"action"`
	// Autosave fields. QuestionIndex is a pointer so index 0 is
	// distinguishable from a missing field.
	QuestionIndex *int   `json:"question_index,omitempty"`
	Value         string `json:"value,omitempty"`
	// Navigate field: "next" or "previous".
	Direction string `json:"direction,omitempty"`
	// Submit field.
	AcknowledgeIncomplete bool `json:"acknowledge_incomplete,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError           Event = "error"
	EventSaved           Event = "saved"
	EventCursor          Event = "cursor"
	EventTick            Event = "tick"
	EventSubmitted       Event = "submitted"
	EventConfirmRequired Event = "confirm_required"
	EventPong            Event = "pong"
)

type SavedResponse struct {
	Event         Event `json:"event"`
	QuestionIndex int   `json:"question_index"`
}

type CursorResponse struct {
	Event  Event `json:"event"`
	Cursor int   `json:"cursor"`
}

// TickResponse is pushed once per second while the attempt runs, carrying
// the authoritative remaining time so a drifting client clock cannot
// stretch the exam.
type TickResponse struct {
	Event            Event   `json:"event"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Status           string  `json:"status"`
}

type SubmittedResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
	// AlreadySubmitted marks the benign duplicate-submission case so the
	// client informs instead of warning about data loss.
	AlreadySubmitted bool `json:"already_submitted,omitempty"`
}

// ConfirmRequiredResponse asks the client to confirm submitting with
// unanswered questions.
type ConfirmRequiredResponse struct {
	Event      Event `json:"event"`
	Unanswered []int `json:"unanswered"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
