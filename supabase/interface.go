package supabase

import (
	"context"
	"time"

	"github.com/creastat/taskflow/task"
)

// Store provides durable history for terminal tasks and the bot event log.
type Store interface {
	// ArchiveTask upserts a task snapshot keyed by its id
	ArchiveTask(ctx context.Context, t task.Task) error

	// GetArchivedTask retrieves an archived task by ID
	GetArchivedTask(ctx context.Context, taskID string) (*task.Task, error)

	// GetArchivedTasksByClient retrieves the archived tasks of one client id
	GetArchivedTasksByClient(ctx context.Context, clientID string) ([]task.Task, error)

	// RecordEvent appends one reply to the bot event log
	RecordEvent(ctx context.Context, ev Event) error

	// Close closes the Supabase client and releases resources
	Close() error
}

// TaskRow represents an archived task in the "tasks" table
type TaskRow struct {
	TaskID       string     `json:"task_id"`
	ClientID     string     `json:"client_id"`
	Status       string     `json:"status"`
	TaskText     string     `json:"task_text"`
	UserPrompt   string     `json:"user_prompt"`
	Images       []string   `json:"images"`
	OutputFormat string     `json:"output_format"`
	ResultText   string     `json:"result_text"`
	DocumentRef  string     `json:"document_ref"`
	ErrorKind    string     `json:"error_kind"`
	ErrorMessage string     `json:"error_message"`
	Version      int64      `json:"version"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Event represents one row of the "bot_logs" table
type Event struct {
	Username  string    `json:"username"`
	Command   string    `json:"command"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

func rowFromTask(t task.Task) TaskRow {
	row := TaskRow{
		TaskID:       t.ID,
		ClientID:     t.ClientID,
		Status:       string(t.Status),
		TaskText:     t.Payload.TaskText,
		UserPrompt:   t.Payload.UserPrompt,
		Images:       t.Payload.Images,
		OutputFormat: string(t.Payload.OutputFormat),
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if row.Images == nil {
		row.Images = []string{}
	}
	if !t.SubmittedAt.IsZero() {
		submitted := t.SubmittedAt
		row.SubmittedAt = &submitted
	}
	if t.Result != nil {
		row.ResultText = t.Result.Text
		row.DocumentRef = t.Result.DocumentRef
	}
	if t.Error != nil {
		row.ErrorKind = string(t.Error.Kind)
		row.ErrorMessage = t.Error.Message
	}
	return row
}

func (r TaskRow) toTask() task.Task {
	t := task.Task{
		ID:       r.TaskID,
		ClientID: r.ClientID,
		Status:   task.Status(r.Status),
		Payload: task.Payload{
			TaskText:     r.TaskText,
			UserPrompt:   r.UserPrompt,
			Images:       r.Images,
			OutputFormat: task.Format(r.OutputFormat),
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.SubmittedAt != nil {
		t.SubmittedAt = *r.SubmittedAt
	}
	if r.ResultText != "" || r.DocumentRef != "" {
		t.Result = &task.Result{Text: r.ResultText, DocumentRef: r.DocumentRef}
	}
	if r.ErrorKind != "" {
		t.Error = &task.Failure{Kind: task.FailureKind(r.ErrorKind), Message: r.ErrorMessage}
	}
	return t
}
