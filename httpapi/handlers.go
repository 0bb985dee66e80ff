package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/task"
	"github.com/gin-gonic/gin"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	ClientID     string   `json:"clientId" binding:"required"`
	TaskText     string   `json:"taskText"`
	UserPrompt   string   `json:"userPrompt"`
	Images       []string `json:"images"`
	OutputFormat string   `json:"outputFormat"`
}

// CreateTaskResponse is returned for a created or already known task.
type CreateTaskResponse struct {
	OK       bool        `json:"ok"`
	TaskID   string      `json:"taskId"`
	DeepLink string      `json:"deepLink,omitempty"`
	Status   task.Status `json:"status"`
	Created  bool        `json:"created"`
}

// Archive serves finished tasks after they expire from the task store.
type Archive interface {
	GetArchivedTask(ctx context.Context, taskID string) (*task.Task, error)
	GetArchivedTasksByClient(ctx context.Context, clientID string) ([]task.Task, error)
}

// Handler serves the web task API.
type Handler struct {
	registry    *task.Registry
	archive     Archive
	botUsername string
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithArchive makes expired tasks readable from the archive.
func WithArchive(a Archive) HandlerOption {
	return func(h *Handler) { h.archive = a }
}

// NewHandler creates a Handler. botUsername is used to build deep links;
// when empty, responses carry no deep link.
func NewHandler(registry *task.Registry, botUsername string, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{registry: registry, botUsername: botUsername, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateTask creates a task once per clientId. Repeating the request
// returns the task created first, whatever its state.
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request: clientId is required"})
		return
	}

	t, created, err := h.registry.CreateOrGet(c.Request.Context(), req.ClientID, task.Payload{
		TaskText:     req.TaskText,
		UserPrompt:   req.UserPrompt,
		Images:       req.Images,
		OutputFormat: task.Format(req.OutputFormat),
	})
	if errors.Is(err, taskflow.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("create task failed", "client_id", req.ClientID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store unavailable, retry with the same clientId"})
		return
	}

	c.JSON(http.StatusOK, CreateTaskResponse{
		OK:       true,
		TaskID:   t.ID,
		DeepLink: DeepLink(h.botUsername, t.ID),
		Status:   t.Status,
		Created:  created,
	})
}

// GetTask returns a task snapshot, falling back to the archive once the
// task has expired from the store.
func (h *Handler) GetTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := h.registry.Get(ctx, id)
	if errors.Is(err, taskflow.ErrNotFound) && h.archive != nil {
		var archived *task.Task
		archived, err = h.archive.GetArchivedTask(ctx, id)
		if err == nil {
			t = *archived
		}
	}
	if errors.Is(err, taskflow.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "task not found"})
		return
	}
	if err != nil {
		h.logger.Error("get task failed", "task_id", id, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListClientTasks returns the archived tasks of one client id.
func (h *Handler) ListClientTasks(c *gin.Context) {
	tasks := []task.Task{}
	if h.archive != nil {
		archived, err := h.archive.GetArchivedTasksByClient(c.Request.Context(), c.Param("clientId"))
		if err != nil {
			h.logger.Error("list archived tasks failed", "client_id", c.Param("clientId"), "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "archive unavailable"})
			return
		}
		tasks = append(tasks, archived...)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks": tasks})
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeepLink returns the chat link that opens taskID in the bot.
func DeepLink(botUsername, taskID string) string {
	if botUsername == "" {
		return ""
	}
	return "https://t.me/" + url.PathEscape(botUsername) + "?start=" + url.QueryEscape(taskID)
}
