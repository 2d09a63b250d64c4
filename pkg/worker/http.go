// Package worker provides Stage Worker transports for the pipeline engine.
package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/media-pipeline/pkg/pipeline"
	"github.com/psantana5/media-pipeline/pkg/retry"
	"github.com/psantana5/media-pipeline/pkg/tracing"
)

// maxResponseSize bounds a stage response; large artifacts live in blob storage
const maxResponseSize = 4 << 20

// Request is the body POSTed to a stage endpoint
type Request struct {
	Stage string           `json:"stage"`
	Input pipeline.Payload `json:"input"`
}

// errorResponse is what a stage endpoint returns on failure
type errorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
	Retryable    *bool  `json:"retryable,omitempty"`
}

// RemoteError is a failed stage invocation
type RemoteError struct {
	Stage      string
	StatusCode int
	Type       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("stage %s returned %d: %s", e.Stage, e.StatusCode, e.Message)
}

// ErrorName implements pipeline.NamedError
func (e *RemoteError) ErrorName() string {
	if e.Type != "" {
		return e.Type
	}
	if e.StatusCode >= 500 {
		return "Lambda.ServiceException"
	}
	return "Lambda.ClientException"
}

// HTTPWorker invokes stages at {baseURL}/{stage}
type HTTPWorker struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// NewHTTPWorker creates a worker client with a per-call timeout
func NewHTTPWorker(baseURL string, timeout time.Duration) *HTTPWorker {
	return &HTTPWorker{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewHTTPWorkerWithTLS creates a worker client with TLS support
func NewHTTPWorkerWithTLS(baseURL string, timeout time.Duration, tlsConfig *tls.Config) *HTTPWorker {
	w := NewHTTPWorker(baseURL, timeout)
	w.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return w
}

// SetAPIKey sets the bearer token sent to the workers
func (w *HTTPWorker) SetAPIKey(apiKey string) {
	w.apiKey = apiKey
}

// Invoke implements pipeline.StageWorker. Transient transport failures and
// 5xx are retryable; a 4xx is permanent unless the body says otherwise, and
// so are transport failures that will not heal, such as a rejected certificate.
func (w *HTTPWorker) Invoke(ctx context.Context, stage string, input pipeline.Payload) (pipeline.Payload, error) {
	data, err := json.Marshal(Request{Stage: stage, Input: input})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to marshal %s input: %w", stage, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/"+stage, bytes.NewReader(data))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to invoke %s: %w", stage, err)
		if ctx.Err() == nil && !retry.IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", stage, err)
	}
	if len(body) > maxResponseSize {
		return nil, retry.Permanent(fmt.Errorf("%s response exceeds %d bytes", stage, maxResponseSize))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(stage, resp.StatusCode, body)
	}

	out := pipeline.Payload{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode %s response: %w", stage, err))
	}
	return out, nil
}

func classify(stage string, status int, body []byte) error {
	rerr := &RemoteError{Stage: stage, StatusCode: status, Message: strings.TrimSpace(string(body))}

	var er errorResponse
	retryable := status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
	if json.Unmarshal(body, &er) == nil {
		rerr.Type = er.ErrorType
		if er.ErrorMessage != "" {
			rerr.Message = er.ErrorMessage
		}
		if er.Retryable != nil {
			retryable = *er.Retryable
		}
	}
	if !retryable {
		return retry.Permanent(rerr)
	}
	return rerr
}
