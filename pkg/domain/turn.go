package domain

import "time"

// Attachment is a structured payload sent alongside the text of a turn.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Envelope is the normalized message handed to a capability.
type Envelope struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Request is what a capability receives for one attempt.
type Request struct {
	UserID    string
	SessionID string
	Envelope  Envelope

	// History is the session's bounded conversation so far, oldest first.
	History []HistoryEntry
}

// ToolOutcome is a structured function result surfaced in the output stream.
// Fields are checked in the order Result, Response, Status.
type ToolOutcome struct {
	Name     string `json:"name,omitempty"`
	Result   any    `json:"result,omitempty"`
	Response any    `json:"response,omitempty"`
	Status   any    `json:"status,omitempty"`
}

// Increment is one unit of streamed capability output.
// Exactly one of Text or Outcome is meaningful.
type Increment struct {
	Author  string
	Text    string
	Outcome *ToolOutcome
}

// ExtractionKind classifies what an extraction adapter produced.
type ExtractionKind string

const (
	ExtractionText  ExtractionKind = "text"
	ExtractionImage ExtractionKind = "image"
)

// Extraction is the result of turning attachment bytes into model input.
type Extraction struct {
	Kind ExtractionKind
	Text string
}

// TurnStatus is the terminal state of a turn.
type TurnStatus string

const (
	TurnDone      TurnStatus = "done"
	TurnCancelled TurnStatus = "cancelled"
	TurnFailed    TurnStatus = "failed"
)

// TurnResult is the single terminal event a turn yields.
type TurnResult struct {
	SessionID string     `json:"session_id"`
	TaskID    string     `json:"task_id,omitempty"`
	Status    TurnStatus `json:"status"`
	Text      string     `json:"text"`
	Author    string     `json:"author,omitempty"`
	Fault     string     `json:"fault,omitempty"`
	Attempts  int        `json:"attempts"`
	Ephemeral bool       `json:"ephemeral,omitempty"`
}

// Event types exchanged with real-time clients.
const (
	EventAck                 = "ack"
	EventPong                = "pong"
	EventResponse            = "response"
	EventError               = "error"
	EventProcessingCancelled = "processing_cancelled"
	EventSystem              = "system"
)

// Event is one outbound payload for a real-time client.
type Event struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	Author         string    `json:"author,omitempty"`
	Category       string    `json:"category,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	TasksCancelled *int      `json:"tasks_cancelled,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
