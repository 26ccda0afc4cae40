package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const TaskType = "http"

// HTTP performs one outbound request. Any status at or above 400 fails the task
// unless ExpectStatus names it.
type HTTP struct {
	Log    zerolog.Logger
	Client *http.Client
}

type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	Timeout      int               `json:"timeout"` // seconds
	ExpectStatus int               `json:"expect_status"`
}

func (h HTTP) Handle(ctx context.Context, taskID string, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	// A JSON string body is sent as raw text; anything else as JSON.
	var body io.Reader
	isJSON := false
	if len(req.Body) > 0 {
		var s string
		if err := json.Unmarshal(req.Body, &s); err == nil {
			body = strings.NewReader(s)
		} else {
			body = strings.NewReader(string(req.Body))
			isJSON = true
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if isJSON {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	h.Log.Debug().
		Str("task_id", taskID).
		Str("method", httpReq.Method).
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("http task request")

	if req.ExpectStatus != 0 {
		if resp.StatusCode != req.ExpectStatus {
			return fmt.Errorf("HTTP %d, expected %d: %s", resp.StatusCode, req.ExpectStatus, string(respBody))
		}
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
