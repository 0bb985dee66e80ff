package supabase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/task"
	"github.com/supabase-community/supabase-go"
)

const (
	tasksTable  = "tasks"
	eventsTable = "bot_logs"
)

// Config holds Supabase connection configuration
type Config struct {
	URL      string
	APIKey   string
	CacheTTL time.Duration // Default: 5 minutes
}

// Client implements the Store interface using Supabase
type Client struct {
	client   *supabase.Client
	cache    *cache
	cacheTTL time.Duration
	now      func() time.Time
}

// cache provides thread-safe caching for archived tasks
type cache struct {
	mu   sync.RWMutex
	byID map[string]*cacheEntry[task.Task]
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client:   client,
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
		cache: &cache{
			byID: make(map[string]*cacheEntry[task.Task]),
		},
	}, nil
}

// ArchiveTask upserts a task snapshot. Terminal tasks never change again,
// so the snapshot is also cached.
func (c *Client) ArchiveTask(ctx context.Context, t task.Task) error {
	_, _, err := c.client.From(tasksTable).
		Upsert(rowFromTask(t), "task_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}

	if t.Status.Terminal() {
		c.addToCache(t)
	}
	return nil
}

// GetArchivedTask retrieves an archived task by ID.
// Returns taskflow.ErrNotFound if the task was never archived.
func (c *Client) GetArchivedTask(ctx context.Context, taskID string) (*task.Task, error) {
	// Check cache first
	if cached, ok := c.getFromCache(taskID); ok {
		return &cached, nil
	}

	var rows []TaskRow
	_, err := c.client.From(tasksTable).
		Select("*", "", false).
		Eq("task_id", taskID).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to get archived task: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("archived task %s: %w", taskID, taskflow.ErrNotFound)
	}

	t := rows[0].toTask()
	if t.Status.Terminal() {
		c.addToCache(t)
	}
	return &t, nil
}

// GetArchivedTasksByClient retrieves all archived tasks for a client id
func (c *Client) GetArchivedTasksByClient(ctx context.Context, clientID string) ([]task.Task, error) {
	var rows []TaskRow
	_, err := c.client.From(tasksTable).
		Select("*", "", false).
		Eq("client_id", clientID).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to get archived tasks by client_id: %w", err)
	}

	tasks := make([]task.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toTask())
	}
	return tasks, nil
}

// RecordEvent appends one reply to the bot event log
func (c *Client) RecordEvent(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = c.now().UTC()
	}
	_, _, err := c.client.From(eventsTable).
		Insert(ev, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

// getFromCache retrieves a task from cache by ID
func (c *Client) getFromCache(key string) (task.Task, bool) {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()

	if e, ok := c.cache.byID[key]; ok {
		if c.now().Before(e.expiresAt) {
			return e.value, true
		}
	}
	return task.Task{}, false
}

// addToCache adds a task to cache
func (c *Client) addToCache(t task.Task) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	c.cache.byID[t.ID] = &cacheEntry[task.Task]{
		value:     t,
		expiresAt: c.now().Add(c.cacheTTL),
	}
}

// Compile-time checks that Client implements Store and task.Archiver
var (
	_ Store         = (*Client)(nil)
	_ task.Archiver = (*Client)(nil)
)
