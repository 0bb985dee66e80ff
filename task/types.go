package task

import (
	"strings"
	"time"
)

// Status is a task's position in its lifecycle.
//
// Lifecycle: created -> submitted -> completed | failed
//
//	created -> failed (user cancelled before submission)
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Format is the output format the user asked for.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// ParseFormat accepts "markdown", "md" and "pdf" in any case.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return FormatMarkdown, true
	case "pdf":
		return FormatPDF, true
	default:
		return "", false
	}
}

// FailureKind distinguishes terminal failures for user messaging.
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureRejected      FailureKind = "rejected"
	FailureProtocol      FailureKind = "protocol"
	FailureTransport     FailureKind = "transport"
	FailureUserCancelled FailureKind = "user_cancelled"
)

// Payload is the snapshot of the client request taken at creation time.
// It is never modified afterwards.
type Payload struct {
	TaskText     string   `json:"taskText"`
	UserPrompt   string   `json:"userPrompt,omitempty"`
	Images       []string `json:"images"`
	OutputFormat Format   `json:"outputFormat"`
}

// Result is set on completed tasks: either rendered text or a pointer to a
// generated document.
type Result struct {
	Text        string `json:"text,omitempty"`
	DocumentRef string `json:"documentRef,omitempty"`
}

// Failure is set on failed tasks.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Task is the durable unit of work. Only the Registry writes it.
type Task struct {
	ID          string    `json:"taskId"`
	ClientID    string    `json:"clientId"`
	Status      Status    `json:"status"`
	Payload     Payload   `json:"payload"`
	Result      *Result   `json:"result,omitempty"`
	Error       *Failure  `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	SubmittedAt time.Time `json:"submittedAt,omitzero"`
	Version     int64     `json:"version"` // bumped on every transition
}
