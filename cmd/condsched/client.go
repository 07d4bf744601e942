package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/condsched/internal/history"
	"github.com/loykin/condsched/internal/scheduler"
)

// APIClient talks to the HTTP API of a running scheduler
type APIClient struct {
	baseURL string
	client  *http.Client
}

// StatusResponse mirrors GET /status
type StatusResponse struct {
	Phase           string                 `json:"phase"`
	Cycles          int64                  `json:"cycles"`
	Uptime          string                 `json:"uptime"`
	NAlive          int                    `json:"n_alive"`
	HasFreeCapacity bool                   `json:"has_free_capacity"`
	Tasks           []scheduler.TaskStatus `json:"tasks"`
}

// NewAPIClient creates a client; empty baseURL and zero timeout select defaults
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Status fetches the scheduler summary and every task
func (c *APIClient) Status() (*StatusResponse, error) {
	var st StatusResponse
	if err := c.get("/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// History queries run records; empty filters match everything
func (c *APIClient) History(task, action string, limit int) ([]history.Record, error) {
	q := url.Values{}
	if task != "" {
		q.Set("task", task)
	}
	if action != "" {
		q.Set("action", action)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var recs []history.Record
	if err := c.get(path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Stop asks the scheduler to begin shutdown
func (c *APIClient) Stop() error {
	resp, err := c.client.Post(c.baseURL+"/stop", "application/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error != "" {
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return fmt.Errorf("API error: %s", resp.Status)
}
