package genclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/ChuLiYu/forgebatch/pkg/types"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClient talks to the generation service's REST API:
//
//	POST /prompt            submit a job, returns {"prompt_id": "..."}
//	GET  /history/{handle}  job record once finished, empty body before that
//	GET  /system_stats      liveness + basic stats
type HTTPClient struct {
	baseURL  string
	clientID string // stable per-process id sent with every submission
	client   *fasthttp.Client
	timeout  time.Duration
}

// NewHTTPClient builds a client for the service at baseURL.
// The underlying connection pool is shared by all workers.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: uuid.NewString(),
		timeout:  defaultRequestTimeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         defaultRequestTimeout,
			WriteTimeout:        defaultRequestTimeout,
		},
	}
}

// Submit posts the job document and returns the service-side handle.
// Network and HTTP-level failures come back as types.TransientError.
func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (JobHandle, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    sub,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode submission: %w", err)
	}

	respBody, err := c.do(ctx, fasthttp.MethodPost, "/prompt", body)
	if err != nil {
		return "", &types.TransientError{Op: "submit", Err: err}
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &types.TransientError{Op: "submit", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if resp.PromptID == "" {
		return "", &types.TransientError{Op: "submit", Err: fmt.Errorf("service returned no job handle")}
	}
	return JobHandle(resp.PromptID), nil
}

// Poll fetches the history record for a handle. A missing record means
// the job is still pending; a present record is terminal.
func (c *HTTPClient) Poll(ctx context.Context, handle JobHandle) (PollStatus, error) {
	respBody, err := c.do(ctx, fasthttp.MethodGet, "/history/"+string(handle), nil)
	if err != nil {
		return PollStatus{}, &types.TransientError{Op: "poll", Err: err}
	}

	// The history endpoint keys its response by handle and returns an
	// empty object while the job is still in the service queue.
	var history map[string]historyEntry
	if err := json.Unmarshal(respBody, &history); err != nil {
		return PollStatus{}, &types.TransientError{Op: "poll", Err: fmt.Errorf("malformed history: %w", err)}
	}
	entry, ok := history[string(handle)]
	if !ok {
		return PollStatus{State: StatePending}, nil
	}

	if entry.Status.StatusStr == "error" {
		reason := entry.Status.StatusStr
		if len(entry.Status.Messages) > 0 {
			reason = fmt.Sprintf("%v", entry.Status.Messages[len(entry.Status.Messages)-1])
		}
		return PollStatus{State: StateFailed, Reason: reason}, nil
	}

	var artifacts []string
	for _, out := range entry.Outputs {
		for _, img := range out.Images {
			if img.Filename != "" {
				artifacts = append(artifacts, img.Filename)
			}
		}
	}
	return PollStatus{State: StateDone, Artifacts: artifacts}, nil
}

// HealthCheck probes /system_stats. An unreachable service is reported
// via the Reachable flag, not as an error.
func (c *HTTPClient) HealthCheck(ctx context.Context) (ServiceHealth, error) {
	respBody, err := c.do(ctx, fasthttp.MethodGet, "/system_stats", nil)
	if err != nil {
		return ServiceHealth{Reachable: false, Detail: err.Error()}, nil
	}

	var stats struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	}
	// Stats shape varies between service versions; reachability is what matters.
	_ = json.Unmarshal(respBody, &stats)

	return ServiceHealth{
		Reachable:   true,
		QueueLength: stats.ExecInfo.QueueRemaining,
		Detail:      string(respBody),
	}, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename string `json:"filename"`
		} `json:"images"`
	} `json:"outputs"`
}

// do issues one request with the configured timeout, honoring ctx
// cancellation through a deadline cap.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode())
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}
