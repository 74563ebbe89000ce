package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/forgeops/foreman/internal/config"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/task"
)

// apiClient talks to a running foreman daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	cfg := config.Get()
	return &apiClient{
		base: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach foreman daemon at %s (is 'foreman serve' running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) createTask(body map[string]any) (*task.Task, error) {
	var t task.Task
	if err := c.do("POST", "/api/tasks", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *apiClient) listTasks(status string) ([]*task.Task, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var listing struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := c.do("GET", path, nil, &listing); err != nil {
		return nil, err
	}
	return listing.Tasks, nil
}

func (c *apiClient) getTask(id string) (*task.Task, error) {
	var t task.Task
	if err := c.do("GET", "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *apiClient) taskAction(id, action string, body any) (*task.Task, error) {
	var t task.Task
	if err := c.do("POST", "/api/tasks/"+url.PathEscape(id)+"/"+action, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *apiClient) taskLogs(id string, tail int) (string, error) {
	path := fmt.Sprintf("/api/tasks/%s/logs?tail=%d", url.PathEscape(id), tail)
	var body map[string]string
	if err := c.do("GET", path, nil, &body); err != nil {
		return "", err
	}
	return body["logs"], nil
}

func (c *apiClient) listInbox(status, taskID string) ([]*inbox.Item, int, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if taskID != "" {
		q.Set("task", taskID)
	}
	path := "/api/inbox"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var listing struct {
		Items       []*inbox.Item `json:"items"`
		UnreadCount int           `json:"unread_count"`
	}
	if err := c.do("GET", path, nil, &listing); err != nil {
		return nil, 0, err
	}
	return listing.Items, listing.UnreadCount, nil
}

func (c *apiClient) respondItem(id string, response map[string]any) (*inbox.Item, error) {
	var item inbox.Item
	body := map[string]any{"response": response}
	if err := c.do("POST", "/api/inbox/"+url.PathEscape(id)+"/respond", body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *apiClient) markRead(id string) error {
	return c.do("POST", "/api/inbox/"+url.PathEscape(id)+"/read", nil, nil)
}
