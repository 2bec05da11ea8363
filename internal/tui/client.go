package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agor-sh/agor/internal/models"
)

// Client fetches orchestrator state from the daemon API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the watch view.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

// Sessions returns all sessions.
func (c *Client) Sessions() ([]models.Session, error) {
	var sessions []models.Session
	if err := c.get("/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Tasks returns a session's tasks, newest first.
func (c *Client) Tasks(sessionID string) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.get("/sessions/"+sessionID+"/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Queue returns a session's queued messages in FIFO order.
func (c *Client) Queue(sessionID string) ([]models.QueuedMessage, error) {
	var msgs []models.QueuedMessage
	if err := c.get("/sessions/"+sessionID+"/queue", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
