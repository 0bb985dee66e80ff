package session

import (
	"strings"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/task"
	"github.com/google/uuid"
)

// EventKind is the type of an inbound conversational event.
type EventKind string

const (
	EventImage      EventKind = "image"
	EventText       EventKind = "text"
	EventDone       EventKind = "done"
	EventSkip       EventKind = "skip"
	EventFormat     EventKind = "format"
	EventCancel     EventKind = "cancel"
	EventTaskLoaded EventKind = "task_loaded"
)

// Event is one input to the state machine.
type Event struct {
	Kind EventKind

	// MessageID is the transport-level id used to drop redeliveries.
	// Empty disables deduplication for this event.
	MessageID string

	Text   string     // EventText, EventFormat
	Image  string     // EventImage
	Loaded *task.Task // EventTaskLoaded
}

// Notice identifies a user-facing message; the orchestrator owns the wording.
type Notice string

const (
	NoticeImageAdded   Notice = "image_added"
	NoticeImageLimit   Notice = "image_limit"
	NoticeNeedInput    Notice = "need_input"
	NoticeAskPrompt    Notice = "ask_prompt"
	NoticeAskFormat    Notice = "ask_format"
	NoticeBadFormat    Notice = "bad_format"
	NoticeSubmitting   Notice = "submitting"
	NoticeResubmitting Notice = "resubmitting"
	NoticeBusy         Notice = "busy"
	NoticeCancelled    Notice = "cancelled"
	NoticeTaskLoaded   Notice = "task_loaded"
)

// EffectKind is the type of an outbound effect.
type EffectKind string

const (
	EffectNotify     EffectKind = "notify"
	EffectSubmit     EffectKind = "submit"
	EffectCancelTask EffectKind = "cancel_task"
)

// Effect is something the orchestrator must do after a transition.
type Effect struct {
	Kind   EffectKind
	Notice Notice // EffectNotify
	TaskID string // EffectCancelTask
}

// Options tune the state machine.
type Options struct {
	MaxImages   int           // images accepted per submission
	SeenWindow  int           // message ids remembered for deduplication
	NewClientID func() string // generates PendingClientID
}

const defaultSeenWindow = 64

func (o Options) withDefaults() Options {
	if o.MaxImages <= 0 {
		o.MaxImages = taskflow.DefaultMaxImages
	}
	if o.SeenWindow <= 0 {
		o.SeenWindow = defaultSeenWindow
	}
	if o.NewClientID == nil {
		o.NewClientID = uuid.NewString
	}
	return o
}

func notify(n Notice) Effect { return Effect{Kind: EffectNotify, Notice: n} }

// Apply is the session state machine: a pure function of the current
// session and one event. The input session is never modified.
//
// While a submission is outstanding every event except cancel is rejected
// with NoticeBusy; nothing is queued. In ready_to_submit the rejection also
// re-issues EffectSubmit, which is safe because the pending client id makes
// the registry call idempotent.
func Apply(s Session, ev Event, opts Options) (Session, []Effect) {
	opts = opts.withDefaults()

	if ev.MessageID != "" && seen(s.SeenEvents, ev.MessageID) {
		return s, nil
	}
	next := s.clone()
	if next.Stage == "" {
		next.Stage = StageAwaitingImages
	}
	if ev.MessageID != "" {
		next.SeenEvents = remember(next.SeenEvents, ev.MessageID, opts.SeenWindow)
	}

	if ev.Kind == EventCancel {
		var effects []Effect
		if next.TaskID != "" && next.Stage != StageSubmitted {
			effects = append(effects, Effect{Kind: EffectCancelTask, TaskID: next.TaskID})
		}
		return next.Reset(), append(effects, notify(NoticeCancelled))
	}

	switch next.Stage {
	case StageSubmitted:
		return next, []Effect{notify(NoticeBusy)}
	case StageReadyToSubmit:
		return next, []Effect{notify(NoticeResubmitting), {Kind: EffectSubmit}}
	}

	if ev.Kind == EventTaskLoaded {
		return loadTask(next, ev.Loaded, opts)
	}

	switch next.Stage {
	case StageAwaitingImages:
		return awaitingImages(next, ev, opts)
	case StageAwaitingPrompt:
		return awaitingPrompt(next, ev)
	case StageAwaitingFormat:
		return awaitingFormat(next, ev, opts)
	default:
		return next, nil
	}
}

func awaitingImages(s Session, ev Event, opts Options) (Session, []Effect) {
	switch ev.Kind {
	case EventImage:
		if strings.TrimSpace(ev.Image) == "" {
			return s, nil
		}
		if len(s.Images) >= opts.MaxImages {
			return s, []Effect{notify(NoticeImageLimit)}
		}
		s.Images = append(s.Images, ev.Image)
		return s, []Effect{notify(NoticeImageAdded)}
	case EventText:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return s, []Effect{notify(NoticeNeedInput)}
		}
		s.TaskText = text
		s.Stage = StageAwaitingPrompt
		return s, []Effect{notify(NoticeAskPrompt)}
	case EventDone:
		if s.TaskText == "" && len(s.Images) == 0 {
			return s, []Effect{notify(NoticeNeedInput)}
		}
		s.Stage = StageAwaitingPrompt
		return s, []Effect{notify(NoticeAskPrompt)}
	default:
		return s, []Effect{notify(NoticeNeedInput)}
	}
}

func awaitingPrompt(s Session, ev Event) (Session, []Effect) {
	switch ev.Kind {
	case EventText:
		s.Prompt = strings.TrimSpace(ev.Text)
		s.Stage = StageAwaitingFormat
		return s, []Effect{notify(NoticeAskFormat)}
	case EventSkip, EventDone:
		s.Prompt = ""
		s.Stage = StageAwaitingFormat
		return s, []Effect{notify(NoticeAskFormat)}
	default:
		return s, []Effect{notify(NoticeAskPrompt)}
	}
}

func awaitingFormat(s Session, ev Event, opts Options) (Session, []Effect) {
	if ev.Kind != EventFormat && ev.Kind != EventText {
		return s, []Effect{notify(NoticeAskFormat)}
	}
	format, ok := task.ParseFormat(ev.Text)
	if !ok {
		return s, []Effect{notify(NoticeBadFormat)}
	}
	s.Format = format
	if s.PendingClientID == "" {
		s.PendingClientID = opts.NewClientID()
	}
	s.Stage = StageReadyToSubmit
	return s, []Effect{notify(NoticeSubmitting), {Kind: EffectSubmit}}
}

// loadTask binds a web-created task to the session. The web form already
// collected every input, so the session goes straight to ready_to_submit
// and reuses the task's own client id.
func loadTask(s Session, t *task.Task, opts Options) (Session, []Effect) {
	if t == nil {
		return s, nil
	}
	s = s.Reset()
	s.TaskText = t.Payload.TaskText
	s.Images = taskflow.ClampImages(t.Payload.Images, opts.MaxImages)
	s.Prompt = t.Payload.UserPrompt
	s.Format = t.Payload.OutputFormat
	s.PendingClientID = t.ClientID
	s.TaskID = t.ID
	s.Stage = StageReadyToSubmit
	return s, []Effect{notify(NoticeTaskLoaded), {Kind: EffectSubmit}}
}

func seen(window []string, id string) bool {
	for _, v := range window {
		if v == id {
			return true
		}
	}
	return false
}

func remember(window []string, id string, max int) []string {
	window = append(window, id)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}
