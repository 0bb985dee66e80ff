package session

import (
	"time"

	"github.com/creastat/taskflow/task"
)

// Stage is the step of the conversation a session is in.
type Stage string

const (
	StageAwaitingImages Stage = "awaiting_images"
	StageAwaitingPrompt Stage = "awaiting_prompt"
	StageAwaitingFormat Stage = "awaiting_format"
	StageReadyToSubmit  Stage = "ready_to_submit"
	StageSubmitted      Stage = "submitted"
)

// Busy reports whether a submission is outstanding.
func (s Stage) Busy() bool {
	return s == StageReadyToSubmit || s == StageSubmitted
}

// Key identifies a chat participant: the channel plus the user within it.
func Key(channel, user string) string {
	return channel + ":" + user
}

// Session represents the serializable conversational state of one chat
// participant. It is persisted so a restart resumes a pending task, but it
// never holds committed facts: those live in the task.
//
// PERSISTED:
// - Key: channel + user identity
// - Stage and the buffered task inputs
// - PendingClientID: idempotency key reused by every retry of this attempt
// - TaskID: set once the registry assigned a task to this attempt
// - SeenEvents: bounded window of transport message ids, for redelivery
// - Version: for optimistic locking across replicas
type Session struct {
	Key             string      `json:"key"`
	Stage           Stage       `json:"stage"`
	TaskText        string      `json:"task_text"`
	Images          []string    `json:"images"`
	Prompt          string      `json:"prompt"`
	Format          task.Format `json:"format"`
	PendingClientID string      `json:"pending_client_id"`
	TaskID          string      `json:"task_id"`
	SeenEvents      []string    `json:"seen_events"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Version         int64       `json:"version"` // Monotonically increasing for optimistic locking
}

// New returns an empty session waiting for images.
func New(key string) Session {
	return Session{Key: key, Stage: StageAwaitingImages}
}

// Payload builds the task payload from the buffered inputs.
func (s Session) Payload() task.Payload {
	images := make([]string, len(s.Images))
	copy(images, s.Images)
	return task.Payload{
		TaskText:     s.TaskText,
		UserPrompt:   s.Prompt,
		Images:       images,
		OutputFormat: s.Format,
	}
}

// Reset discards the buffered inputs and returns to awaiting_images while
// keeping identity, dedup window and locking metadata.
func (s Session) Reset() Session {
	return Session{
		Key:        s.Key,
		Stage:      StageAwaitingImages,
		SeenEvents: s.SeenEvents,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Version:    s.Version,
	}
}

func (s Session) clone() Session {
	out := s
	out.Images = append([]string(nil), s.Images...)
	out.SeenEvents = append([]string(nil), s.SeenEvents...)
	return out
}
