package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/creastat/taskflow/task"
)

// ErrMalformedResponse marks a backend reply that could not be decoded.
var ErrMalformedResponse = errors.New("malformed inference response")

// Request is the body sent to the inference backend.
type Request struct {
	TaskID       string      `json:"taskId"`
	TaskText     string      `json:"taskText"`
	UserPrompt   string      `json:"userPrompt,omitempty"`
	Images       []string    `json:"images"`
	OutputFormat task.Format `json:"outputFormat"`
}

// Response is the union of reply shapes backends are known to produce.
// Exactly one of them is expected to be set.
type Response struct {
	Text      *string    `json:"text,omitempty"`
	PDF       string     `json:"pdf,omitempty"`
	PDFURL    string     `json:"pdf_url,omitempty"`
	PDFBase64 string     `json:"pdf_base64,omitempty"`
	Data      []DataItem `json:"data,omitempty"`
}

// DataItem is one entry of the list-shaped reply some hosted spaces return.
type DataItem struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Backend performs one inference call.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// StatusError is returned by backends for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inference backend returned %d", e.Code)
	}
	return fmt.Sprintf("inference backend returned %d: %s", e.Code, e.Body)
}

// Outcome is the result of a submission. Failures are values, not errors:
// the caller records them on the task and tells the user.
type Outcome struct {
	Status  task.Status // StatusCompleted or StatusFailed
	Result  task.Result
	Failure task.Failure

	// PromptDropped is set when the extra prompt failed moderation and
	// the task was sent without it.
	PromptDropped bool
}

// Completed reports whether the outcome carries a result.
func (o Outcome) Completed() bool {
	return o.Status == task.StatusCompleted
}

func completed(r task.Result) Outcome {
	return Outcome{Status: task.StatusCompleted, Result: r}
}

func failed(kind task.FailureKind, msg string) Outcome {
	return Outcome{Status: task.StatusFailed, Failure: task.Failure{Kind: kind, Message: msg}}
}
