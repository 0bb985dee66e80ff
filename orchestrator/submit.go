package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/docstore"
	"github.com/creastat/taskflow/inference"
	"github.com/creastat/taskflow/session"
	"github.com/creastat/taskflow/task"
)

// finishTimeout bounds the terminal write and the outcome delivery, which
// run detached from the caller's context.
const finishTimeout = 30 * time.Second

// submit records the session's task as submitted and starts the inference
// call. It runs with the session key locked. A store failure leaves the
// session in ready_to_submit so the next event retries with the same
// client id.
func (o *Orchestrator) submit(ctx, opCtx context.Context, sess session.Session, ev Event) error {
	to := ev.Recipient()

	t, created, err := o.registry.CreateOrGet(opCtx, sess.PendingClientID, sess.Payload())
	if errors.Is(err, taskflow.ErrInvalidRequest) {
		o.logger.Warn("session produced an invalid task", "session", sess.Key, "error", err)
		o.reply(opCtx, to, ev.Username, ev.label(), "This task cannot be submitted: "+err.Error())
		return o.resetSession(opCtx, sess)
	}
	if err != nil {
		o.logger.Error("create task failed", "session", sess.Key, "client_id", sess.PendingClientID, "error", err)
		o.reply(opCtx, to, ev.Username, ev.label(), textUnavailable)
		return nil
	}
	if created {
		o.logger.Info("task created", "session", sess.Key, "task_id", t.ID, "client_id", t.ClientID)
	}

	if t.Status.Terminal() {
		o.reportOutcome(opCtx, to, ev.Username, ev.label(), t, false)
		return o.resetSession(opCtx, sess)
	}

	if sess.TaskID != t.ID {
		sess.TaskID = t.ID
		if err := o.save(opCtx, &sess); err != nil {
			return err
		}
	}

	taskID := t.ID
	t, err = o.registry.MarkSubmitted(opCtx, taskID)
	if task.IsInvalidTransition(err) {
		// Cancelled between creation and submission.
		o.reportOutcome(opCtx, to, ev.Username, ev.label(), t, false)
		return o.resetSession(opCtx, sess)
	}
	if err != nil {
		o.logger.Error("mark submitted failed", "task_id", taskID, "error", err)
		o.reply(opCtx, to, ev.Username, ev.label(), textUnavailable)
		return nil
	}
	if t.Status.Terminal() {
		o.reportOutcome(opCtx, to, ev.Username, ev.label(), t, false)
		return o.resetSession(opCtx, sess)
	}

	sess.Stage = session.StageSubmitted
	if err := o.save(opCtx, &sess); err != nil {
		// The task is submitted either way; run it so it cannot get stuck.
		o.logger.Error("persist submitted session failed", "session", sess.Key, "error", err)
	}
	o.launch(ctx, t, to, ev.Username, sess.Key)
	return nil
}

// launch runs the inference call for t in the background unless one is
// already running in this process.
func (o *Orchestrator) launch(ctx context.Context, t task.Task, to Recipient, username, key string) {
	o.mu.Lock()
	if _, ok := o.inflight[t.ID]; ok {
		o.mu.Unlock()
		return
	}
	o.inflight[t.ID] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, t.ID)
			o.mu.Unlock()
		}()

		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			o.logger.Warn("submission abandoned on shutdown", "task_id", t.ID)
			return
		}
		outcome := o.gateway.Submit(ctx, t)
		<-o.sem

		if ctx.Err() != nil {
			// Leave the task submitted; it is resumed once stale.
			o.logger.Warn("submission interrupted by shutdown", "task_id", t.ID)
			return
		}
		o.finish(ctx, t, outcome, to, username, key)
	}()
}

func (o *Orchestrator) running(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[taskID]
	return ok
}

// finish records the terminal state, delivers exactly one outcome message
// and returns the session to awaiting_images.
func (o *Orchestrator) finish(parent context.Context, t task.Task, outcome inference.Outcome, to Recipient, username, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finishTimeout)
	defer cancel()

	var (
		final task.Task
		err   error
	)
	if outcome.Completed() {
		final, err = o.registry.Complete(ctx, t.ID, outcome.Result)
	} else {
		final, err = o.registry.Fail(ctx, t.ID, outcome.Failure)
	}
	switch {
	case task.IsInvalidTransition(err):
		// Another worker already finished it and reported the outcome.
		o.logger.Warn("task finished elsewhere", "task_id", t.ID, "status", final.Status)
	case err != nil:
		o.logger.Error("record outcome failed", "task_id", t.ID, "error", err)
		final = t
		if outcome.Completed() {
			final.Status, final.Result = task.StatusCompleted, &outcome.Result
		} else {
			final.Status, final.Error = task.StatusFailed, &outcome.Failure
		}
		o.reportOutcome(ctx, to, username, "outcome", final, outcome.PromptDropped)
	default:
		o.reportOutcome(ctx, to, username, "outcome", final, outcome.PromptDropped)
	}

	unlock := o.locks.Lock(key)
	defer unlock()
	for attempt := 0; attempt < maxSaveConflicts; attempt++ {
		sess, err := o.loadSession(ctx, key)
		if err != nil {
			o.logger.Error("load session after outcome failed", "session", key, "error", err)
			return
		}
		if sess.TaskID != t.ID || !sess.Stage.Busy() {
			return
		}
		err = o.resetSession(ctx, sess)
		if !errors.Is(err, taskflow.ErrVersionConflict) {
			if err != nil {
				o.logger.Error("reset session failed", "session", key, "error", err)
			}
			return
		}
	}
}

// reportOutcome sends the single message describing a finished task.
func (o *Orchestrator) reportOutcome(ctx context.Context, to Recipient, username, command string, t task.Task, promptDropped bool) {
	prefix := ""
	if promptDropped {
		prefix = textPromptDropped
	}

	switch {
	case t.Status == task.StatusCompleted && t.Result != nil && t.Result.DocumentRef != "":
		o.sendDocument(ctx, to, username, command, t, prefix)
	case t.Status == task.StatusCompleted && t.Result != nil && strings.TrimSpace(t.Result.Text) != "":
		o.reply(ctx, to, username, command, prefix+t.Result.Text)
	case t.Status == task.StatusCompleted:
		o.reply(ctx, to, username, command, prefix+failureText(task.FailureProtocol))
	case t.Status == task.StatusFailed && t.Error != nil:
		o.reply(ctx, to, username, command, prefix+failureText(t.Error.Kind))
	default:
		o.reply(ctx, to, username, command, prefix+failureText(task.FailureTransport))
	}
}

func (o *Orchestrator) sendDocument(ctx context.Context, to Recipient, username, command string, t task.Task, caption string) {
	ref := t.Result.DocumentRef
	doc := Document{Name: documentName, URL: ref, Caption: caption}
	if docstore.IsLocal(ref) {
		if o.docs == nil {
			o.logger.Error("local document without a document store", "task_id", t.ID, "ref", ref)
			o.reply(ctx, to, username, command, caption+failureText(task.FailureTransport))
			return
		}
		data, err := o.docs.Get(ctx, ref)
		if err != nil {
			o.logger.Error("load document failed", "task_id", t.ID, "ref", ref, "error", err)
			o.reply(ctx, to, username, command, caption+failureText(task.FailureTransport))
			return
		}
		doc.URL, doc.Data = "", data
	}
	if err := o.sink.SendDocument(ctx, to, doc); err != nil {
		o.logger.Error("send document failed", "chat_id", to.ChatID, "task_id", t.ID, "error", err)
	}
	o.logEvent(ctx, username, command, "document:"+ref)
}

func (o *Orchestrator) resetSession(ctx context.Context, sess session.Session) error {
	next := sess.Reset()
	return o.save(ctx, &next)
}
