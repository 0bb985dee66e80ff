package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/docstore"
	"github.com/creastat/taskflow/observability"
	"github.com/creastat/taskflow/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout       = 180 * time.Second
	defaultRetries       = 2
	defaultRetryInterval = time.Second
	documentName         = "solution.pdf"
	documentContentType  = "application/pdf"
)

// Gateway turns a task into exactly one Outcome.
type Gateway struct {
	backend       Backend
	docs          docstore.Store
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	maxImages     int
	maxPromptLen  int
	blacklist     []string
	logger        *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout bounds a whole submission, retries included.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) Option {
	return func(g *Gateway) { g.retries = n }
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) Option {
	return func(g *Gateway) { g.retryInterval = d }
}

// WithLimits overrides the image and prompt limits.
func WithLimits(maxImages, maxPromptLen int) Option {
	return func(g *Gateway) {
		g.maxImages = maxImages
		g.maxPromptLen = maxPromptLen
	}
}

// WithBlacklist replaces the prompt moderation word list.
func WithBlacklist(words []string) Option {
	return func(g *Gateway) { g.blacklist = words }
}

// WithDocumentStore enables replies carrying inline PDF bytes.
func WithDocumentStore(docs docstore.Store) Option {
	return func(g *Gateway) { g.docs = docs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway returns a Gateway calling backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:       backend,
		timeout:       defaultTimeout,
		retries:       defaultRetries,
		retryInterval: defaultRetryInterval,
		maxImages:     taskflow.DefaultMaxImages,
		maxPromptLen:  taskflow.DefaultMaxPromptLen,
		blacklist:     taskflow.DefaultBlacklist,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retries < 0 {
		g.retries = 0
	}
	return g
}

// Submit sends t to the backend and maps the reply to an Outcome.
// It never returns without an outcome; cancellation of ctx yields a
// transport failure and an expired timeout a timeout failure.
func (g *Gateway) Submit(ctx context.Context, t task.Task) Outcome {
	ctx, span := observability.StartSpan(ctx, "inference.submit",
		attribute.String("task.id", t.ID),
		attribute.String("task.format", string(t.Payload.OutputFormat)),
	)
	defer span.End()

	req, dropped := g.buildRequest(t)
	if dropped {
		g.logger.Info("prompt dropped by moderation", "task_id", t.ID)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	attempts := 0
	var resp Response
	err := backoff.Retry(func() error {
		attempts++
		var callErr error
		resp, callErr = g.backend.Generate(ctx, req)
		if callErr == nil {
			return nil
		}
		if _, retry := classify(ctx, callErr); !retry {
			return backoff.Permanent(callErr)
		}
		g.logger.Warn("inference attempt failed", "task_id", t.ID, "attempt", attempts, "error", callErr)
		return callErr
	}, g.policy(ctx))

	var out Outcome
	if err != nil {
		kind, _ := classify(ctx, err)
		out = failed(kind, err.Error())
	} else {
		out = g.mapResponse(ctx, t.ID, resp)
	}
	out.PromptDropped = dropped

	span.SetAttributes(attribute.Int("inference.attempts", attempts))
	if out.Completed() {
		g.logger.Info("inference completed", "task_id", t.ID, "attempts", attempts, "duration", time.Since(start))
	} else {
		span.SetStatus(codes.Error, string(out.Failure.Kind))
		g.logger.Warn("inference failed", "task_id", t.ID, "kind", out.Failure.Kind, "attempts", attempts, "error", out.Failure.Message)
	}
	return out
}

func (g *Gateway) policy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.retryInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.retries)), ctx)
}

func (g *Gateway) buildRequest(t task.Task) (Request, bool) {
	prompt := strings.TrimSpace(t.Payload.UserPrompt)
	dropped := false
	if !taskflow.PromptAllowed(prompt, g.blacklist) {
		prompt = ""
		dropped = true
	}
	format := t.Payload.OutputFormat
	if format == "" {
		format = task.FormatMarkdown
	}
	return Request{
		TaskID:       t.ID,
		TaskText:     t.Payload.TaskText,
		UserPrompt:   taskflow.ClampPrompt(prompt, g.maxPromptLen),
		Images:       taskflow.ClampImages(t.Payload.Images, g.maxImages),
		OutputFormat: format,
	}, dropped
}

func (g *Gateway) mapResponse(ctx context.Context, taskID string, resp Response) Outcome {
	switch {
	case resp.Text != nil && strings.TrimSpace(*resp.Text) != "":
		return completed(task.Result{Text: *resp.Text})
	case resp.PDF != "":
		return completed(task.Result{DocumentRef: resp.PDF})
	case resp.PDFURL != "":
		return completed(task.Result{DocumentRef: resp.PDFURL})
	case resp.PDFBase64 != "":
		return g.storeDocument(ctx, taskID, resp.PDFBase64)
	}
	for _, item := range resp.Data {
		if item.Type == "pdf" && item.Data != "" {
			return g.storeDocument(ctx, taskID, item.Data)
		}
	}
	return failed(task.FailureProtocol, "no text or document in inference response")
}

func (g *Gateway) storeDocument(ctx context.Context, taskID, encoded string) Outcome {
	if g.docs == nil {
		return failed(task.FailureProtocol, "inline document returned but no document store is configured")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return failed(task.FailureProtocol, fmt.Sprintf("invalid pdf_base64: %v", err))
	}
	ref, err := g.docs.Put(ctx, taskID+"-"+documentName, documentContentType, data)
	if err != nil {
		return failed(task.FailureTransport, fmt.Sprintf("store document: %v", err))
	}
	return completed(task.Result{DocumentRef: ref})
}

// classify maps a backend error to a failure kind and whether another
// attempt may help.
func classify(ctx context.Context, err error) (task.FailureKind, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return task.FailureTimeout, false
	}
	if errors.Is(err, context.Canceled) {
		return task.FailureTransport, false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return task.FailureProtocol, false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return task.FailureRejected, false
	}
	return task.FailureTransport, true
}
