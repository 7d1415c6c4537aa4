// Package webhook provides the webhook action, an HTTP call to an external endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/journeys/pkg/actions"
	"github.com/dukex/journeys/pkg/models"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected webhook response status")

type Action struct {
	client *http.Client
}

// NewAction creates the webhook action. A nil client uses a client with the default timeout.
func NewAction(client *http.Client) *Action {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Action{client: client}
}

func (*Action) Type() models.ActionType {
	return models.ActionTypeWebhook
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":    map[string]any{"type": "string", "pattern": "^https?://"},
			"method": map[string]any{"type": "string", "enum": []any{"POST", "PUT", "PATCH", "GET", "post", "put", "patch", "get"}},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body":            map[string]any{},
			"timeout_seconds": map[string]any{"type": "number", "exclusiveMinimum": 0},
			"response_field": map[string]any{
				"type":        "string",
				"description": "Metadata key the decoded JSON response is stored under.",
			},
		},
		"required": []any{"url"},
	}
}

func (a *Action) Execute(ctx context.Context, req actions.Request, logger *slog.Logger) (map[string]any, error) {
	url, _ := req.Config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("%w: webhook requires url", actions.ErrInvalidConfig)
	}

	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	method = strings.ToUpper(method)

	body, err := a.body(req)
	if err != nil {
		return nil, err
	}

	if timeout := timeoutFrom(req.Config["timeout_seconds"]); timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", actions.ErrInvalidConfig, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if str, ok := value.(string); ok {
				httpReq.Header.Set(key, str)
			}
		}
	}

	logger.InfoContext(ctx, "Calling webhook", "method", method, "url", url)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	field, _ := req.Config["response_field"].(string)
	if field == "" {
		return nil, nil
	}

	var decoded any
	if json.Unmarshal(responseBody, &decoded) != nil {
		decoded = string(responseBody)
	}

	return map[string]any{field: decoded}, nil
}

// body encodes the configured body, or a default document describing the
// enrollment and contact when none is configured.
func (a *Action) body(req actions.Request) ([]byte, error) {
	payload, ok := req.Config["body"]
	if !ok {
		document := map[string]any{
			"step_id": req.StepID,
			"contact": req.Contact,
		}

		if req.Enrollment != nil {
			document["enrollment_id"] = req.Enrollment.ID
			document["workflow_id"] = req.Enrollment.WorkflowID
			document["contact_id"] = req.Enrollment.ContactID
			document["metadata"] = req.Enrollment.Metadata
		}

		payload = document
	}

	if str, ok := payload.(string); ok {
		return []byte(str), nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %w", actions.ErrInvalidConfig, err)
	}

	return body, nil
}

func timeoutFrom(value any) time.Duration {
	switch v := value.(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}
