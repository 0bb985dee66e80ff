package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/docstore"
	"github.com/creastat/taskflow/inference"
	"github.com/creastat/taskflow/kv"
	"github.com/creastat/taskflow/session"
	"github.com/creastat/taskflow/task"
)

const (
	bindingKeyPrefix = "binding:"

	defaultOpTimeout      = 30 * time.Second
	defaultBindingTTL     = 24 * time.Hour
	defaultMaxSubmissions = 3
	defaultStaleAfter     = 10 * time.Minute
	maxSaveConflicts      = 3
)

// Submitter runs one task to an outcome. *inference.Gateway implements it.
type Submitter interface {
	Submit(ctx context.Context, t task.Task) inference.Outcome
}

// Deps are the collaborators every Orchestrator needs.
type Deps struct {
	Sessions session.Store
	Registry *task.Registry
	Gateway  Submitter
	Sink     Sink

	// Bindings records which session a deep-linked task was bound to.
	Bindings kv.Store
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDocumentStore resolves document references that only this process
// can read.
func WithDocumentStore(docs docstore.Store) Option {
	return func(o *Orchestrator) { o.docs = docs }
}

// WithEventLog records every reply in addition to the structured log.
func WithEventLog(l EventLog) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithMachineOptions tunes the session state machine.
func WithMachineOptions(opts session.Options) Option {
	return func(o *Orchestrator) { o.machine = opts }
}

// WithMaxSubmissions bounds concurrent inference calls.
func WithMaxSubmissions(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = make(chan struct{}, n)
		}
	}
}

// WithOpTimeout bounds the store work done for a single event.
func WithOpTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.opTimeout = d }
}

// WithBindingTTL sets how long a deep-link binding is remembered.
func WithBindingTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.bindingTTL = d }
}

// WithStaleAfter sets how long a submitted task may run with no local
// worker before it is resumed.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator wires chat events to the session state machine, the task
// registry and the inference gateway. Work for one session key is
// serialized; distinct keys proceed concurrently.
type Orchestrator struct {
	sessions session.Store
	registry *task.Registry
	gateway  Submitter
	sink     Sink
	bindings kv.Store
	docs     docstore.Store
	events   EventLog
	logger   *slog.Logger
	machine  session.Options

	opTimeout  time.Duration
	bindingTTL time.Duration
	staleAfter time.Duration
	now        func() time.Time

	locks *keyedMutex
	sem   chan struct{}

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Sessions == nil || deps.Registry == nil || deps.Gateway == nil || deps.Sink == nil || deps.Bindings == nil {
		return nil, fmt.Errorf("%w: orchestrator requires sessions, registry, gateway, sink and bindings", taskflow.ErrInvalidConfig)
	}
	o := &Orchestrator{
		sessions:   deps.Sessions,
		registry:   deps.Registry,
		gateway:    deps.Gateway,
		sink:       deps.Sink,
		bindings:   deps.Bindings,
		logger:     slog.New(slog.DiscardHandler),
		opTimeout:  defaultOpTimeout,
		bindingTTL: defaultBindingTTL,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		locks:      newKeyedMutex(),
		sem:        make(chan struct{}, defaultMaxSubmissions),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.machine.MaxImages <= 0 {
		o.machine.MaxImages = taskflow.DefaultMaxImages
	}
	return o, nil
}

// Handle processes one event. It returns once the event's effects are
// applied; an inference call it starts keeps running in the background
// until its outcome is delivered (see Wait).
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	key := ev.SessionKey()
	unlock := o.locks.Lock(key)
	defer unlock()

	o.logger.Debug("event received", "session", key, "kind", ev.Kind, "command", ev.Command, "message_id", ev.MessageID)

	opCtx := ctx
	if o.opTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, o.opTimeout)
		defer cancel()
	}

	var err error
	for attempt := 0; attempt < maxSaveConflicts; attempt++ {
		err = o.handleLocked(ctx, opCtx, key, ev)
		if !errors.Is(err, taskflow.ErrVersionConflict) {
			break
		}
		o.logger.Warn("session changed concurrently, retrying", "session", key, "attempt", attempt+1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		o.reply(opCtx, ev.Recipient(), ev.Username, ev.label(), textUnavailable)
	}
	return err
}

// Wait blocks until every background submission has delivered its outcome.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// handleLocked must be called with the session key locked. ctx outlives the
// event and is handed to background submissions; opCtx bounds store work.
func (o *Orchestrator) handleLocked(ctx, opCtx context.Context, key string, ev Event) error {
	sess, err := o.loadSession(opCtx, key)
	if err != nil {
		return err
	}
	if sess, err = o.healStale(ctx, opCtx, sess, ev); err != nil {
		return err
	}

	if ev.Kind == KindCommand {
		switch ev.Command {
		case CommandStart:
			if taskID := strings.TrimSpace(ev.Text); taskID != "" {
				return o.deepLink(ctx, opCtx, sess, ev, taskID)
			}
			o.reply(opCtx, ev.Recipient(), ev.Username, ev.label(), textGreeting)
			return nil
		case CommandPrompt:
			if sess.Stage == session.StageAwaitingImages {
				o.reply(opCtx, ev.Recipient(), ev.Username, ev.label(), textPromptTooEarly)
				return nil
			}
		}
	}

	sev, ok := ev.sessionEvent()
	if !ok {
		o.reply(opCtx, ev.Recipient(), ev.Username, ev.label(), textGreeting)
		return nil
	}

	prev := sess.Stage
	next, effects := session.Apply(sess, sev, o.machine)
	if len(effects) == 0 && next.Version != 0 {
		return nil
	}
	if err := o.save(opCtx, &next); err != nil {
		return err
	}
	return o.runEffects(ctx, opCtx, next, prev, ev, effects)
}

func (o *Orchestrator) runEffects(ctx, opCtx context.Context, sess session.Session, prev session.Stage, ev Event, effects []session.Effect) error {
	for _, eff := range effects {
		switch eff.Kind {
		case session.EffectNotify:
			text, buttons := noticeText(eff.Notice, sess, o.machine.MaxImages)
			if eff.Notice == session.NoticeCancelled && prev == session.StageSubmitted {
				text, buttons = textCancelInFlight, nil
			}
			o.reply(opCtx, ev.Recipient(), ev.Username, ev.label(), text, buttons...)
		case session.EffectCancelTask:
			if _, err := o.registry.Cancel(opCtx, eff.TaskID); err != nil && !task.IsInvalidTransition(err) {
				o.logger.Error("cancel task failed", "task_id", eff.TaskID, "error", err)
			}
		case session.EffectSubmit:
			if err := o.submit(ctx, opCtx, sess, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// deepLink binds a task created on the website to this session. The first
// delivery loads it and submits it; redeliveries are silent.
func (o *Orchestrator) deepLink(ctx, opCtx context.Context, sess session.Session, ev Event, taskID string) error {
	to := ev.Recipient()
	if sess.Stage.Busy() && sess.TaskID == taskID {
		return nil
	}
	if sess.Stage.Busy() {
		text, _ := noticeText(session.NoticeBusy, sess, o.machine.MaxImages)
		o.reply(opCtx, to, ev.Username, ev.label(), text)
		return nil
	}

	t, err := o.registry.Get(opCtx, taskID)
	if errors.Is(err, taskflow.ErrNotFound) {
		o.reply(opCtx, to, ev.Username, ev.label(), textTaskNotFound)
		return nil
	}
	if err != nil {
		return err
	}

	created, current, err := o.bindings.CreateIfAbsent(opCtx, bindingKeyPrefix+taskID, []byte(sess.Key), o.bindingTTL)
	if err != nil {
		return err
	}
	if !created {
		if string(current) != sess.Key {
			o.reply(opCtx, to, ev.Username, ev.label(), textBoundElsewhere)
			return nil
		}
		// Bound here before. Only a task that never got submitted is
		// picked up again, which covers a crash between bind and save.
		if t.Status != task.StatusCreated {
			o.logger.Debug("deep link redelivered", "session", sess.Key, "task_id", taskID)
			return nil
		}
	}

	switch {
	case t.Status.Terminal():
		o.reportOutcome(opCtx, to, ev.Username, ev.label(), t, false)
		return nil
	case t.Status == task.StatusSubmitted:
		o.reply(opCtx, to, ev.Username, ev.label(), textTaskRunning)
		return nil
	}

	next, effects := session.Apply(sess, session.Event{
		Kind:      session.EventTaskLoaded,
		MessageID: ev.MessageID,
		Loaded:    &t,
	}, o.machine)
	if err := o.save(opCtx, &next); err != nil {
		return err
	}
	o.logger.Info("task bound to session", "session", sess.Key, "task_id", taskID)
	return o.runEffects(ctx, opCtx, next, sess.Stage, ev, effects)
}

// healStale repairs a session left in submitted by a crash or by a run
// that finished elsewhere.
func (o *Orchestrator) healStale(ctx, opCtx context.Context, sess session.Session, ev Event) (session.Session, error) {
	if sess.Stage != session.StageSubmitted || sess.TaskID == "" || o.running(sess.TaskID) {
		return sess, nil
	}
	t, err := o.registry.Get(opCtx, sess.TaskID)
	switch {
	case errors.Is(err, taskflow.ErrNotFound):
		o.logger.Warn("session references a missing task, resetting", "session", sess.Key, "task_id", sess.TaskID)
	case err != nil:
		return sess, err
	case t.Status.Terminal():
		o.logger.Info("session references a finished task, resetting", "session", sess.Key, "task_id", t.ID, "status", t.Status)
	case t.Status == task.StatusSubmitted && o.now().Sub(t.SubmittedAt) > o.staleAfter:
		o.logger.Warn("resuming stale submission", "session", sess.Key, "task_id", t.ID)
		o.launch(ctx, t, ev.Recipient(), ev.Username, sess.Key)
		return sess, nil
	default:
		return sess, nil
	}
	next := sess.Reset()
	if err := o.save(opCtx, &next); err != nil {
		return sess, err
	}
	return next, nil
}

func (o *Orchestrator) loadSession(ctx context.Context, key string) (session.Session, error) {
	s, err := o.sessions.Get(ctx, key)
	if err != nil {
		return session.Session{}, err
	}
	if s == nil {
		return session.New(key), nil
	}
	return *s, nil
}

// save creates the session on first write and updates it afterwards.
func (o *Orchestrator) save(ctx context.Context, s *session.Session) error {
	if s.Version == 0 {
		return o.sessions.Create(ctx, s)
	}
	return o.sessions.Update(ctx, s)
}

// reply sends text and records it in the event log.
func (o *Orchestrator) reply(ctx context.Context, to Recipient, username, command, text string, buttons ...Button) {
	if text == "" {
		return
	}
	if err := o.sink.SendText(ctx, to, text, buttons...); err != nil {
		o.logger.Error("send message failed", "chat_id", to.ChatID, "error", err)
	}
	o.logEvent(ctx, username, command, text)
}

func (o *Orchestrator) logEvent(ctx context.Context, username, command, response string) {
	o.logger.Info("bot reply", "username", username, "command", command, "response", response)
	if o.events == nil {
		return
	}
	if err := o.events.RecordEvent(ctx, username, command, response); err != nil {
		o.logger.Warn("record event failed", "error", err)
	}
}
