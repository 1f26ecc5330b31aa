package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionFlag   Action = "flag"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestEnvelope carries every client action. Fields unused by an action
// are ignored.
type RequestEnvelope struct {
	Action     Action          `json:"action"`
	QuestionID string          `json:"question_id,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError        Event = "error"
	EventSnapshot     Event = "snapshot"
	EventState        Event = "state"
	EventTick         Event = "tick"
	EventAutosaved    Event = "autosaved"
	EventSubmitFailed Event = "submit_failed"
	EventAnswered     Event = "answered"
	EventFlagged      Event = "flagged"
	EventPong         Event = "pong"
)

// Message is the server → client envelope.
type Message struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type AnsweredData struct {
	QuestionID string `json:"question_id"`
}

type FlaggedData struct {
	QuestionID string `json:"question_id"`
	Flagged    bool   `json:"flagged"`
}
