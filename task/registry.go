package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/kv"
	"github.com/creastat/taskflow/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	clientKeyPrefix = "task:client:"
	idKeyPrefix     = "task:id:"

	// defaultTTL bounds how long finished tasks stay readable in the store.
	defaultTTL = 24 * time.Hour

	// maxSwapConflicts bounds optimistic-lock retries on a single transition.
	maxSwapConflicts = 8
)

// Archiver receives every task that reaches a terminal state.
type Archiver interface {
	ArchiveTask(ctx context.Context, t Task) error
}

// Registry owns the task lifecycle. Every write to a task goes through it.
//
// A task record lives under task:client:<clientId>, which makes the
// create-if-absent on that key the whole duplicate-submission defense.
// task:id:<taskId> indexes the record by task id.
type Registry struct {
	store    kv.Store
	ttl      time.Duration
	logger   *slog.Logger
	archiver Archiver
	newID    func() string
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the store expiry of task records.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithArchiver registers a hook for terminal tasks.
func WithArchiver(a Archiver) Option {
	return func(r *Registry) { r.archiver = a }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry on top of store.
func NewRegistry(store kv.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    defaultTTL,
		logger: slog.New(slog.DiscardHandler),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrGet returns the task for clientID, creating it from payload on
// first sight. created is false when the client id was seen before; the
// existing task is returned unchanged in whatever state it is in, and
// payload is ignored, even when it would not pass validation.
func (r *Registry) CreateOrGet(ctx context.Context, clientID string, payload Payload) (Task, bool, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Task{}, false, fmt.Errorf("%w: client id is required", taskflow.ErrInvalidRequest)
	}

	ctx, span := observability.StartSpan(ctx, "task.create_or_get", attribute.String("task.client_id", clientID))
	defer span.End()

	payload, invalidErr := normalizePayload(payload)
	if invalidErr != nil {
		existing, ok, err := r.store.Get(ctx, clientKeyPrefix+clientID)
		if err != nil {
			span.RecordError(err)
			return Task{}, false, fmt.Errorf("load task for client %s: %w", clientID, err)
		}
		if !ok {
			return Task{}, false, invalidErr
		}
		return r.resolve(ctx, span, clientID, existing, false)
	}

	now := r.now()
	candidate := Task{
		ID:        r.newID(),
		ClientID:  clientID,
		Status:    StatusCreated,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return Task{}, false, err
	}

	created, current, err := r.store.CreateIfAbsent(ctx, clientKeyPrefix+clientID, raw, r.ttl)
	if err != nil {
		span.RecordError(err)
		return Task{}, false, fmt.Errorf("create task for client %s: %w", clientID, err)
	}
	return r.resolve(ctx, span, clientID, current, created)
}

// resolve decodes the task stored for clientID and makes sure the id index
// points at it.
func (r *Registry) resolve(ctx context.Context, span trace.Span, clientID string, current []byte, created bool) (Task, bool, error) {
	var t Task
	if err := json.Unmarshal(current, &t); err != nil {
		return Task{}, false, fmt.Errorf("decode task for client %s: %w", clientID, err)
	}

	// Winner and losers both write the index. The value is the same for
	// everyone, so a crash between the two writes heals on the next call.
	if err := r.store.Set(ctx, idKeyPrefix+t.ID, []byte(clientID), r.ttl); err != nil {
		span.RecordError(err)
		return Task{}, false, fmt.Errorf("index task %s: %w", t.ID, err)
	}

	span.SetAttributes(attribute.String("task.id", t.ID), attribute.Bool("task.created", created))
	if created {
		r.logger.Info("task created", "task_id", t.ID, "client_id", clientID, "format", t.Payload.OutputFormat, "images", len(t.Payload.Images))
	} else {
		r.logger.Debug("duplicate submission resolved", "task_id", t.ID, "client_id", clientID, "status", t.Status)
	}
	return t, created, nil
}

// Get returns a snapshot of the task.
// Returns taskflow.ErrNotFound if no such task exists.
func (r *Registry) Get(ctx context.Context, taskID string) (Task, error) {
	t, _, err := r.load(ctx, taskID)
	return t, err
}

// MarkSubmitted moves a task from created to submitted. Calling it again on
// a submitted or finished task is a no-op. A task that was cancelled before
// submission cannot be submitted.
func (r *Registry) MarkSubmitted(ctx context.Context, taskID string) (Task, error) {
	return r.transition(ctx, taskID, "submit", func(t *Task, now time.Time) (bool, error) {
		switch t.Status {
		case StatusCreated:
			t.Status = StatusSubmitted
			t.SubmittedAt = now
			return true, nil
		case StatusFailed:
			if t.SubmittedAt.IsZero() {
				return false, invalid(t, "submit")
			}
			return false, nil
		default:
			return false, nil
		}
	})
}

// Complete moves a submitted task to completed and stores its result.
func (r *Registry) Complete(ctx context.Context, taskID string, result Result) (Task, error) {
	return r.transition(ctx, taskID, "complete", func(t *Task, _ time.Time) (bool, error) {
		if t.Status != StatusSubmitted {
			return false, invalid(t, "complete")
		}
		t.Status = StatusCompleted
		t.Result = &result
		return true, nil
	})
}

// Fail moves a submitted task to failed and stores the failure.
func (r *Registry) Fail(ctx context.Context, taskID string, failure Failure) (Task, error) {
	return r.transition(ctx, taskID, "fail", func(t *Task, _ time.Time) (bool, error) {
		if t.Status != StatusSubmitted {
			return false, invalid(t, "fail")
		}
		t.Status = StatusFailed
		t.Error = &failure
		return true, nil
	})
}

// Cancel fails a task that was created but never submitted, with kind
// FailureUserCancelled.
func (r *Registry) Cancel(ctx context.Context, taskID string) (Task, error) {
	return r.transition(ctx, taskID, "cancel", func(t *Task, _ time.Time) (bool, error) {
		if t.Status != StatusCreated {
			return false, invalid(t, "cancel")
		}
		t.Status = StatusFailed
		t.Error = &Failure{Kind: FailureUserCancelled, Message: "cancelled by user"}
		return true, nil
	})
}

type mutation func(t *Task, now time.Time) (changed bool, err error)

// transition applies fn with optimistic locking on the stored bytes.
func (r *Registry) transition(ctx context.Context, taskID, op string, fn mutation) (Task, error) {
	ctx, span := observability.StartSpan(ctx, "task."+op, attribute.String("task.id", taskID))
	defer span.End()

	for attempt := 0; attempt < maxSwapConflicts; attempt++ {
		current, raw, err := r.load(ctx, taskID)
		if err != nil {
			span.RecordError(err)
			return Task{}, err
		}

		next := current
		now := r.now()
		changed, err := fn(&next, now)
		if err != nil {
			r.logger.Warn("task transition rejected", "task_id", taskID, "op", op, "status", current.Status, "error", err)
			return current, err
		}
		if !changed {
			return current, nil
		}
		next.Version++
		next.UpdatedAt = now

		newRaw, err := json.Marshal(next)
		if err != nil {
			return current, err
		}
		swapped, err := r.store.CompareAndSwap(ctx, clientKeyPrefix+current.ClientID, raw, newRaw, r.ttl)
		if err != nil {
			span.RecordError(err)
			return current, fmt.Errorf("%s task %s: %w", op, taskID, err)
		}
		if !swapped {
			continue
		}

		r.logger.Info("task transitioned", "task_id", taskID, "op", op, "from", current.Status, "to", next.Status)
		if next.Status.Terminal() {
			r.archive(ctx, next)
		}
		return next, nil
	}
	return Task{}, fmt.Errorf("%s task %s: %w", op, taskID, taskflow.ErrVersionConflict)
}

// load returns the task and the exact bytes it was decoded from.
func (r *Registry) load(ctx context.Context, taskID string) (Task, []byte, error) {
	clientID, ok, err := r.store.Get(ctx, idKeyPrefix+taskID)
	if err != nil {
		return Task{}, nil, fmt.Errorf("lookup task %s: %w", taskID, err)
	}
	if !ok {
		return Task{}, nil, fmt.Errorf("task %s: %w", taskID, taskflow.ErrNotFound)
	}
	raw, ok, err := r.store.Get(ctx, clientKeyPrefix+string(clientID))
	if err != nil {
		return Task{}, nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return Task{}, nil, fmt.Errorf("task %s: %w", taskID, taskflow.ErrNotFound)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return t, raw, nil
}

func (r *Registry) archive(ctx context.Context, t Task) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.ArchiveTask(ctx, t); err != nil {
		r.logger.Error("archive task failed", "task_id", t.ID, "error", err)
	}
}

func invalid(t *Task, op string) error {
	return fmt.Errorf("%w: cannot %s task %s in state %s", taskflow.ErrInvalidTransition, op, t.ID, t.Status)
}

func normalizePayload(p Payload) (Payload, error) {
	format := p.OutputFormat
	if format == "" {
		format = FormatMarkdown
	}
	parsed, ok := ParseFormat(string(format))
	if !ok {
		return Payload{}, fmt.Errorf("%w: unsupported output format %q", taskflow.ErrInvalidRequest, p.OutputFormat)
	}
	images := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		if img = strings.TrimSpace(img); img != "" {
			images = append(images, img)
		}
	}
	text := strings.TrimSpace(p.TaskText)
	if text == "" && len(images) == 0 {
		return Payload{}, fmt.Errorf("%w: task text or at least one image is required", taskflow.ErrInvalidRequest)
	}
	return Payload{
		TaskText:     text,
		UserPrompt:   strings.TrimSpace(p.UserPrompt),
		Images:       images,
		OutputFormat: parsed,
	}, nil
}

// IsInvalidTransition reports whether err is a rejected transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, taskflow.ErrInvalidTransition)
}
