// Package client is a Go client for the pipelined HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/media-pipeline/pkg/models"
)

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to one pipelined instance
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. apiKey may be empty when the server has auth disabled.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithTLS replaces the transport with one using tlsConfig
func (c *Client) WithTLS(tlsConfig *tls.Config) *Client {
	c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return c
}

// JobQuery filters ListJobs and ExportJobs
type JobQuery struct {
	Status string
	UserID string
	Limit  int
}

func (q JobQuery) values() url.Values {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.UserID != "" {
		v.Set("user_id", q.UserID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) ListJobs(ctx context.Context, q JobQuery) ([]*models.Job, error) {
	var resp struct {
		Jobs []*models.Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/jobs", q.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var resp struct {
		Job *models.Job `json:"job"`
	}
	if err := c.getJSON(ctx, "/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// ExportJobs returns the XLSX workbook bytes
func (c *Client) ExportJobs(ctx context.Context, q JobQuery) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/export", q.values(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) ListExecutions(ctx context.Context, status string) ([]*models.Execution, error) {
	v := url.Values{}
	if status != "" {
		v.Set("status", status)
	}
	var resp struct {
		Executions []*models.Execution `json:"executions"`
	}
	if err := c.getJSON(ctx, "/executions", v, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

func (c *Client) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var resp struct {
		Execution *models.Execution `json:"execution"`
	}
	if err := c.getJSON(ctx, "/executions/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

// History returns history events, newest first when reverse is set.
// limit <= 0 returns everything.
func (c *Client) History(ctx context.Context, id string, reverse bool, limit int) ([]models.HistoryEvent, error) {
	v := url.Values{}
	if reverse {
		v.Set("reverse", "true")
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Events []models.HistoryEvent `json:"events"`
	}
	if err := c.getJSON(ctx, "/executions/"+url.PathEscape(id)+"/history", v, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) Abort(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/abort", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RegisterUpload stages the original filename for a blob about to be uploaded
func (c *Client) RegisterUpload(ctx context.Context, storageKey, filename, userID, segment string) (*models.UploadMetadata, error) {
	body, err := json.Marshal(map[string]string{
		"storage_key":       storageKey,
		"original_filename": filename,
		"user_id":           userID,
		"segment":           segment,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/uploads", nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var meta models.UploadMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &meta, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// do sends the request; any non-2xx status comes back as *APIError
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pipeline API: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}
