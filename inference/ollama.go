package inference

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const defaultOllamaModel = "llama3.2"

// OllamaBackend runs tasks on a local Ollama server. It only produces text;
// image references are listed in the prompt.
type OllamaBackend struct {
	client *api.Client
	model  string
}

var _ Backend = (*OllamaBackend)(nil)

// NewOllamaBackend returns a backend for the server at host. An empty host
// falls back to OLLAMA_HOST, as the ollama CLI does.
func NewOllamaBackend(host, model string) (*OllamaBackend, error) {
	if model == "" {
		model = defaultOllamaModel
	}
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		return &OllamaBackend{client: client, model: model}, nil
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	return &OllamaBackend{client: api.NewClient(u, http.DefaultClient), model: model}, nil
}

// Generate implements Backend.
func (b *OllamaBackend) Generate(ctx context.Context, req Request) (Response, error) {
	stream := false
	var sb strings.Builder
	err := b.client.Generate(ctx, &api.GenerateRequest{
		Model:  b.model,
		Prompt: ollamaPrompt(req),
		Stream: &stream,
	}, func(r api.GenerateResponse) error {
		sb.WriteString(r.Response)
		return nil
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			return Response{}, &StatusError{Code: se.StatusCode, Body: se.ErrorMessage}
		}
		return Response{}, err
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Response{}, ErrMalformedResponse
	}
	return Response{Text: &text}, nil
}

func ollamaPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.TaskText)
	if req.UserPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.UserPrompt)
	}
	if len(req.Images) > 0 {
		sb.WriteString("\n\nAttached images:")
		for _, ref := range req.Images {
			sb.WriteString("\n- ")
			sb.WriteString(ref)
		}
	}
	sb.WriteString("\n\nAnswer in Markdown.")
	return sb.String()
}
