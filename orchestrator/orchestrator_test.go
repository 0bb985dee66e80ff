package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/docstore"
	"github.com/creastat/taskflow/inference"
	"github.com/creastat/taskflow/kv"
	"github.com/creastat/taskflow/session"
	"github.com/creastat/taskflow/task"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sent struct {
	To      Recipient
	Text    string
	Buttons []Button
	Doc     *Document
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []sent
}

func (s *recordingSink) SendText(ctx context.Context, to Recipient, text string, buttons ...Button) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{To: to, Text: text, Buttons: buttons})
	return nil
}

func (s *recordingSink) SendDocument(ctx context.Context, to Recipient, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{To: to, Doc: &doc})
	return nil
}

func (s *recordingSink) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

// count returns how many text messages equal text.
func (s *recordingSink) count(text string) int {
	n := 0
	for _, m := range s.all() {
		if m.Text == text {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []task.Task
	fn    func(ctx context.Context, t task.Task) inference.Outcome
}

func (g *fakeGateway) Submit(ctx context.Context, t task.Task) inference.Outcome {
	g.mu.Lock()
	g.calls = append(g.calls, t)
	g.mu.Unlock()
	return g.fn(ctx, t)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func textOutcome(text string) func(context.Context, task.Task) inference.Outcome {
	return func(context.Context, task.Task) inference.Outcome {
		return inference.Outcome{Status: task.StatusCompleted, Result: task.Result{Text: text}}
	}
}

// flakyKV fails the first n CreateIfAbsent calls with a transient error.
type flakyKV struct {
	kv.Store
	failCreates atomic.Int32
}

func (f *flakyKV) CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, []byte, error) {
	if f.failCreates.Add(-1) >= 0 {
		return false, nil, taskflow.ErrTransientStore
	}
	return f.Store.CreateIfAbsent(ctx, key, value, ttl)
}

type harness struct {
	o        *Orchestrator
	registry *task.Registry
	sessions session.Store
	sink     *recordingSink
	gateway  *fakeGateway
	taskKV   *flakyKV
}

func newHarness(t *testing.T, fn func(context.Context, task.Task) inference.Outcome, opts ...Option) *harness {
	t.Helper()
	taskStore, err := kv.NewStore(kv.StoreTypeMemory)
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	bindings, _ := kv.NewStore(kv.StoreTypeMemory)
	sessions, _ := session.NewStore(session.StoreTypeMemory)

	flaky := &flakyKV{Store: taskStore}
	n := 0
	registry := task.NewRegistry(flaky, task.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("t%d", n)
	}))

	h := &harness{
		registry: registry,
		sessions: sessions,
		sink:     &recordingSink{},
		gateway:  &fakeGateway{fn: fn},
		taskKV:   flaky,
	}
	base := []Option{WithMachineOptions(session.Options{NewClientID: func() string { return "abc" }})}
	h.o, err = New(Deps{
		Sessions: sessions,
		Registry: registry,
		Gateway:  h.gateway,
		Sink:     h.sink,
		Bindings: bindings,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) handle(t *testing.T, ev Event) {
	t.Helper()
	if err := h.o.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%+v): %v", ev, err)
	}
}

func (h *harness) session(t *testing.T, user string) session.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), session.Key("telegram", user))
	if err != nil || s == nil {
		t.Fatalf("session %s: %+v err=%v", user, s, err)
	}
	return *s
}

func event(user, id string, kind Kind, text string) Event {
	return Event{Channel: "telegram", ChatID: "chat-" + user, UserID: user, Username: "user" + user, MessageID: id, Kind: kind, Text: text}
}

func command(user, id, name, arg string) Event {
	ev := event(user, id, KindCommand, arg)
	ev.Command = name
	return ev
}

func image(user, id, ref string) Event {
	ev := event(user, id, KindImage, "")
	ev.Image = ref
	return ev
}

// chatTask walks a user through a full conversation ending in submission.
func (h *harness) chatTask(t *testing.T, user, text, format string) {
	t.Helper()
	h.handle(t, event(user, user+"-1", KindText, text))
	h.handle(t, event(user, user+"-2", KindCallback, CallbackSkip))
	h.handle(t, command(user, user+"-3", CommandFormat, format))
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestWebTaskThroughDeepLinkCompletes(t *testing.T) {
	h := newHarness(t, textOutcome("translated text"))
	ctx := context.Background()

	created, isNew, err := h.registry.CreateOrGet(ctx, "abc", task.Payload{TaskText: "translate this"})
	if err != nil || !isNew || created.ID != "t1" {
		t.Fatalf("CreateOrGet: %+v new=%v err=%v", created, isNew, err)
	}

	h.handle(t, command("1", "m1", CommandStart, "t1"))
	h.o.Wait()

	got, err := h.registry.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Result == nil || got.Result.Text != "translated text" {
		t.Fatalf("unexpected task %+v", got)
	}
	if n := h.sink.count("translated text"); n != 1 {
		t.Fatalf("expected exactly one outcome message, got %d: %+v", n, h.sink.all())
	}
	if s := h.session(t, "1"); s.Stage != session.StageAwaitingImages || s.TaskID != "" {
		t.Fatalf("session not reset: %+v", s)
	}
	if h.gateway.callCount() != 1 {
		t.Fatalf("expected one gateway call, got %d", h.gateway.callCount())
	}
}

func TestChatConversationCompletes(t *testing.T) {
	h := newHarness(t, textOutcome("translated text"))
	h.handle(t, image("1", "m0", "photo-1"))
	h.chatTask(t, "1", "translate this", "md")
	h.o.Wait()

	if h.gateway.callCount() != 1 {
		t.Fatalf("expected one gateway call, got %d", h.gateway.callCount())
	}
	submitted := h.gateway.calls[0]
	if submitted.ClientID != "abc" || submitted.Payload.TaskText != "translate this" || len(submitted.Payload.Images) != 1 {
		t.Fatalf("unexpected submitted task %+v", submitted)
	}
	if n := h.sink.count("translated text"); n != 1 {
		t.Fatalf("expected one outcome message, got %d", n)
	}
	got, _ := h.registry.Get(context.Background(), submitted.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestEmptyResultStillAnswersOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, tk task.Task) inference.Outcome {
		<-release
		return textOutcome("")(ctx, tk)
	})
	h.chatTask(t, "1", "translate this", "md")
	before := len(h.sink.all())
	close(release)
	h.o.Wait()

	if n := len(h.sink.all()) - before; n != 1 {
		t.Fatalf("expected exactly one outcome message, got %d", n)
	}
	if n := h.sink.count(failureText(task.FailureProtocol)); n != 1 {
		t.Fatalf("expected the unexpected-response message once, got %d", n)
	}
}

func TestTimeoutIsReportedOnce(t *testing.T) {
	h := newHarness(t, func(context.Context, task.Task) inference.Outcome {
		return inference.Outcome{Status: task.StatusFailed, Failure: task.Failure{Kind: task.FailureTimeout, Message: "deadline"}}
	})
	h.chatTask(t, "1", "translate this", "pdf")
	h.o.Wait()

	got, err := h.registry.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error.Kind != task.FailureTimeout {
		t.Fatalf("unexpected task %+v", got)
	}
	if n := h.sink.count(failureText(task.FailureTimeout)); n != 1 {
		t.Fatalf("expected one timeout message, got %d", n)
	}
}

func TestLocalDocumentIsSentAsFile(t *testing.T) {
	docs := docstore.NewMemory()
	ref, _ := docs.Put(context.Background(), "solution.pdf", "application/pdf", []byte("%PDF"))
	h := newHarness(t, func(context.Context, task.Task) inference.Outcome {
		return inference.Outcome{Status: task.StatusCompleted, Result: task.Result{DocumentRef: ref}, PromptDropped: true}
	}, WithDocumentStore(docs))

	h.chatTask(t, "1", "draw a graph", "pdf")
	h.o.Wait()

	var docsSent []*Document
	for _, m := range h.sink.all() {
		if m.Doc != nil {
			docsSent = append(docsSent, m.Doc)
		}
	}
	if len(docsSent) != 1 {
		t.Fatalf("expected one document, got %d", len(docsSent))
	}
	if string(docsSent[0].Data) != "%PDF" || docsSent[0].URL != "" || docsSent[0].Caption != textPromptDropped {
		t.Fatalf("unexpected document %+v", docsSent[0])
	}
}

// ---------------------------------------------------------------------------
// Deep links
// ---------------------------------------------------------------------------

func TestDeepLinkRedeliveryConfirmsOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, task.Task) inference.Outcome {
		<-release
		return inference.Outcome{Status: task.StatusCompleted, Result: task.Result{Text: "done"}}
	})
	_, _, _ = h.registry.CreateOrGet(context.Background(), "abc", task.Payload{TaskText: "translate this"})

	start := command("1", "m1", CommandStart, "t1")
	h.handle(t, start)
	h.handle(t, start)
	redelivered := start
	redelivered.MessageID = "m2"
	h.handle(t, redelivered)
	close(release)
	h.o.Wait()
	h.handle(t, redelivered)

	loaded, _ := noticeText(session.NoticeTaskLoaded, session.Session{TaskID: "t1"}, 5)
	if n := h.sink.count(loaded); n != 1 {
		t.Fatalf("expected one confirmation, got %d: %+v", n, h.sink.all())
	}
	if n := h.sink.count("done"); n != 1 {
		t.Fatalf("expected one outcome, got %d", n)
	}
	if h.gateway.callCount() != 1 {
		t.Fatalf("expected one gateway call, got %d", h.gateway.callCount())
	}
}

func TestDeepLinkUnknownTask(t *testing.T) {
	h := newHarness(t, textOutcome("x"))
	h.handle(t, command("1", "m1", CommandStart, "nope"))
	if h.sink.count(textTaskNotFound) != 1 {
		t.Fatalf("expected not-found message, got %+v", h.sink.all())
	}
}

func TestDeepLinkBoundToAnotherChat(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, task.Task) inference.Outcome {
		<-release
		return inference.Outcome{Status: task.StatusCompleted, Result: task.Result{Text: "done"}}
	})
	_, _, _ = h.registry.CreateOrGet(context.Background(), "abc", task.Payload{TaskText: "x"})

	h.handle(t, command("1", "m1", CommandStart, "t1"))
	h.handle(t, command("2", "m1", CommandStart, "t1"))
	close(release)
	h.o.Wait()
	if h.sink.count(textBoundElsewhere) != 1 {
		t.Fatalf("expected bound-elsewhere message, got %+v", h.sink.all())
	}
}

// ---------------------------------------------------------------------------
// Busy policy, cancel and recovery
// ---------------------------------------------------------------------------

func TestEventsWhileSubmittedGetBusyNotice(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, task.Task) inference.Outcome {
		<-release
		return inference.Outcome{Status: task.StatusCompleted, Result: task.Result{Text: "done"}}
	})
	h.chatTask(t, "1", "translate this", "md")

	h.handle(t, event("1", "m9", KindText, "another task"))
	h.handle(t, image("1", "m10", "photo-2"))
	close(release)
	h.o.Wait()

	busy, _ := noticeText(session.NoticeBusy, session.Session{}, 5)
	if n := h.sink.count(busy); n != 2 {
		t.Fatalf("expected two busy notices, got %d: %+v", n, h.sink.all())
	}
	if h.gateway.callCount() != 1 {
		t.Fatalf("busy events must not submit, got %d calls", h.gateway.callCount())
	}
	if s := h.session(t, "1"); s.Stage != session.StageAwaitingImages || len(s.Images) != 0 {
		t.Fatalf("busy events must not be buffered: %+v", s)
	}
}

func TestCancelFailsCreatedTask(t *testing.T) {
	h := newHarness(t, textOutcome("x"))
	ctx := context.Background()
	created, _, _ := h.registry.CreateOrGet(ctx, "c1", task.Payload{TaskText: "x"})

	s := session.Session{Key: session.Key("telegram", "1"), Stage: session.StageReadyToSubmit, TaskText: "x", PendingClientID: "c1", TaskID: created.ID}
	if err := h.sessions.Create(ctx, &s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.handle(t, command("1", "m1", CommandCancel, ""))

	got, _ := h.registry.Get(ctx, created.ID)
	if got.Status != task.StatusFailed || got.Error.Kind != task.FailureUserCancelled {
		t.Fatalf("expected user_cancelled, got %+v", got)
	}
	if h.gateway.callCount() != 0 {
		t.Fatal("cancelled task must not reach the gateway")
	}
	if st := h.session(t, "1"); st.Stage != session.StageAwaitingImages {
		t.Fatalf("session not reset: %+v", st)
	}
}

func TestStoreFailureKeepsSessionReadyAndRetries(t *testing.T) {
	h := newHarness(t, textOutcome("translated text"))
	h.taskKV.failCreates.Store(1)

	h.chatTask(t, "1", "translate this", "md")
	if h.sink.count(textUnavailable) != 1 {
		t.Fatalf("expected unavailable notice, got %+v", h.sink.all())
	}
	if s := h.session(t, "1"); s.Stage != session.StageReadyToSubmit || s.PendingClientID != "abc" {
		t.Fatalf("session must stay ready_to_submit: %+v", s)
	}

	h.handle(t, event("1", "m7", KindText, "hello?"))
	h.o.Wait()

	if h.sink.count("translated text") != 1 {
		t.Fatalf("expected outcome after retry, got %+v", h.sink.all())
	}
	if h.gateway.calls[0].ClientID != "abc" {
		t.Fatalf("retry must reuse the client id, got %q", h.gateway.calls[0].ClientID)
	}
}

func TestStaleSubmissionIsResumed(t *testing.T) {
	h := newHarness(t, textOutcome("resumed"), WithStaleAfter(time.Millisecond))
	ctx := context.Background()
	created, _, _ := h.registry.CreateOrGet(ctx, "c1", task.Payload{TaskText: "x"})
	if _, err := h.registry.MarkSubmitted(ctx, created.ID); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	s := session.Session{Key: session.Key("telegram", "1"), Stage: session.StageSubmitted, PendingClientID: "c1", TaskID: created.ID}
	_ = h.sessions.Create(ctx, &s)

	time.Sleep(5 * time.Millisecond)
	h.handle(t, event("1", "m1", KindText, "any news?"))
	h.o.Wait()

	if h.sink.count("resumed") != 1 {
		t.Fatalf("expected resumed outcome, got %+v", h.sink.all())
	}
}

func TestFinishedTaskInSessionIsHealed(t *testing.T) {
	h := newHarness(t, textOutcome("x"))
	ctx := context.Background()
	created, _, _ := h.registry.CreateOrGet(ctx, "c1", task.Payload{TaskText: "x"})
	_, _ = h.registry.MarkSubmitted(ctx, created.ID)
	_, _ = h.registry.Complete(ctx, created.ID, task.Result{Text: "old"})

	s := session.Session{Key: session.Key("telegram", "1"), Stage: session.StageSubmitted, TaskID: created.ID}
	_ = h.sessions.Create(ctx, &s)

	h.handle(t, event("1", "m1", KindText, "new task"))
	if st := h.session(t, "1"); st.Stage != session.StageAwaitingPrompt || st.TaskText != "new task" {
		t.Fatalf("expected a fresh conversation, got %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Commands and dispatch
// ---------------------------------------------------------------------------

func TestStartWithoutParameterGreets(t *testing.T) {
	h := newHarness(t, textOutcome("x"))
	h.handle(t, command("1", "m1", CommandStart, ""))
	if h.sink.count(textGreeting) != 1 {
		t.Fatalf("expected greeting, got %+v", h.sink.all())
	}
}

func TestPromptBeforeTaskIsRejected(t *testing.T) {
	h := newHarness(t, textOutcome("x"))
	h.handle(t, command("1", "m1", CommandPrompt, "be brief"))
	if h.sink.count(textPromptTooEarly) != 1 {
		t.Fatalf("expected hint, got %+v", h.sink.all())
	}
}

func TestFormatButtonsOffered(t *testing.T) {
	h := newHarness(t, textOutcome("x"))
	h.handle(t, event("1", "m1", KindText, "task"))
	h.handle(t, event("1", "m2", KindCallback, CallbackSkip))
	msgs := h.sink.all()
	last := msgs[len(msgs)-1]
	if len(last.Buttons) != 2 || last.Buttons[1].Data != CallbackFormatPDF {
		t.Fatalf("expected format buttons, got %+v", last)
	}
}

func TestRunPreservesPerKeyOrder(t *testing.T) {
	h := newHarness(t, textOutcome("x"), WithMachineOptions(session.Options{MaxImages: 10}))
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- h.o.Run(context.Background(), events) }()

	for i := 0; i < 6; i++ {
		for _, user := range []string{"1", "2", "3"} {
			events <- image(user, fmt.Sprintf("%s-%d", user, i), fmt.Sprintf("img-%d", i))
		}
	}
	close(events)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, user := range []string{"1", "2", "3"} {
		s := h.session(t, user)
		if len(s.Images) != 6 {
			t.Fatalf("user %s: expected 6 images, got %v", user, s.Images)
		}
		for i, img := range s.Images {
			if img != fmt.Sprintf("img-%d", i) {
				t.Fatalf("user %s: images out of order: %v", user, s.Images)
			}
		}
	}
	if h.o.locks.size() != 0 {
		t.Fatalf("keyed locks leaked: %d", h.o.locks.size())
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil || !strings.Contains(err.Error(), "orchestrator requires") {
		t.Fatalf("expected config error, got %v", err)
	}
}
