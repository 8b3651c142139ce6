package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tgblast/tgblast/internal/storage"
)

// Client talks to the worker surface of a tgblast API server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) ClaimJobs(ctx context.Context, workerID string, limit int) ([]storage.ClaimedJob, error) {
	q := url.Values{}
	q.Set("worker_id", workerID)
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Jobs  []storage.ClaimedJob `json:"jobs"`
		Count int                  `json:"count"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/worker/jobs?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

type jobReport struct {
	WorkerID     string     `json:"worker_id"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// ReportJob sends one outcome. A 409 means the claim moved on without
// us; the returned bool is false in that case and the caller should
// stop working on the job.
func (c *Client) ReportJob(ctx context.Context, jobID, workerID, status, errMsg string, sentAt *time.Time) (bool, error) {
	rep := jobReport{WorkerID: workerID, Status: status, ErrorMessage: errMsg, SentAt: sentAt}
	code, err := c.do(ctx, http.MethodPost, "/api/v1/worker/jobs/"+jobID, rep, nil)
	if code == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type heartbeatPayload struct {
	WorkerID       string           `json:"worker_id"`
	Hostname       string           `json:"hostname"`
	Version        string           `json:"version"`
	ActiveAccounts []string         `json:"active_accounts"`
	Stats          map[string]int64 `json:"stats"`
}

func (c *Client) Heartbeat(ctx context.Context, hb heartbeatPayload) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/worker/heartbeat", hb, nil)
	return err
}

type accountUpdate struct {
	Status         string     `json:"status,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	FloodWaitUntil *time.Time `json:"flood_wait_until,omitempty"`
}

func (c *Client) ReportFloodWait(ctx context.Context, accountID, reason string, until time.Time) error {
	upd := accountUpdate{Status: "cooldown", ErrorMessage: reason, FloodWaitUntil: &until}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/worker/accounts/"+accountID, upd, nil)
	return err
}

func (c *Client) ReportAccountError(ctx context.Context, accountID, reason string) error {
	upd := accountUpdate{Status: "error", ErrorMessage: reason}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/worker/accounts/"+accountID, upd, nil)
	return err
}
