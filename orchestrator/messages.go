package orchestrator

import (
	"fmt"

	"github.com/creastat/taskflow/session"
	"github.com/creastat/taskflow/task"
)

const (
	textGreeting = "Hi! Send me photos of your task or its text, then press Done.\n" +
		"Commands: /done, /skip, /format md|pdf, /prompt <text>, /cancel."
	textUnavailable    = "The service is temporarily unavailable. Please try again in a moment."
	textTaskNotFound   = "Task not found. It may have expired."
	textBoundElsewhere = "This task is already open in another chat."
	textTaskRunning    = "This task is already being solved."
	textPromptTooEarly = "Send the task first; an extra instruction can be added after it."
	textPromptDropped  = "Note: your extra instruction was removed by moderation.\n\n"
	textCancelInFlight = "The running task cannot be stopped; you will still receive its result. Your draft was cleared."
	documentName       = "solution.pdf"
)

var (
	buttonsDone   = []Button{{Label: "Done", Data: CallbackDone}}
	buttonsSkip   = []Button{{Label: "Skip", Data: CallbackSkip}}
	buttonsFormat = []Button{
		{Label: "Markdown", Data: CallbackFormatMD},
		{Label: "PDF", Data: CallbackFormatPDF},
	}
)

// noticeText renders a state machine notice for the session it produced.
func noticeText(n session.Notice, s session.Session, maxImages int) (string, []Button) {
	switch n {
	case session.NoticeImageAdded:
		return fmt.Sprintf("Image %d/%d added. Send more or press Done.", len(s.Images), maxImages), buttonsDone
	case session.NoticeImageLimit:
		return fmt.Sprintf("You can attach at most %d images. Press Done to continue.", maxImages), buttonsDone
	case session.NoticeNeedInput:
		return "Send a photo or the text of the task first.", nil
	case session.NoticeAskPrompt:
		return "Add an extra instruction for the solver, or press Skip.", buttonsSkip
	case session.NoticeAskFormat:
		return "Choose the output format.", buttonsFormat
	case session.NoticeBadFormat:
		return "Unknown format. Choose md or pdf.", buttonsFormat
	case session.NoticeSubmitting:
		return "Got it. Solving your task...", nil
	case session.NoticeResubmitting:
		return "Your task is still being submitted. Retrying...", nil
	case session.NoticeBusy:
		return "Your task is still being solved. Send /cancel to start over.", nil
	case session.NoticeCancelled:
		return "Cancelled. Send a new task whenever you are ready.", nil
	case session.NoticeTaskLoaded:
		return fmt.Sprintf("Task %s loaded from the website. Solving...", s.TaskID), nil
	default:
		return "", nil
	}
}

func failureText(kind task.FailureKind) string {
	switch kind {
	case task.FailureTimeout:
		return "The solver took too long. Please try again later."
	case task.FailureRejected:
		return "The solver could not accept this task. Try rephrasing it."
	case task.FailureProtocol:
		return "The solver returned an unexpected response. Please try again."
	case task.FailureUserCancelled:
		return "The task was cancelled."
	default:
		return "The solver is unavailable right now. Please try again later."
	}
}
