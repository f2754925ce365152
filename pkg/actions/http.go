package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukex/relay/pkg/expression"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/ssrf"
)

const maxResponseBytes = 64 << 10

func (e *Executor) webhook(ctx context.Context, cfg *models.WebhookConfig, payload map[string]any) (map[string]any, error) {
	target := expression.Interpolate(cfg.URL, payload)

	body, err := webhookBody(cfg.BodyTemplate, payload)
	if err != nil {
		return nil, err
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string, len(cfg.Headers))
	for name, value := range cfg.Headers {
		headers[name] = expression.Interpolate(value, payload)
	}

	status, err := e.send(ctx, method, target, body, headers)
	if err != nil {
		return nil, err
	}

	return map[string]any{"status_code": status, "url": target}, nil
}

// webhookBody renders the request body. Without a template the payload is sent
// as JSON. A string template is interpolated as raw text, so values containing
// quotes can break the resulting JSON; an object template has each string leaf
// interpolated before serialization and always stays valid.
func webhookBody(template any, payload map[string]any) ([]byte, error) {
	switch t := template.(type) {
	case nil:
		return marshalBody(payload)
	case string:
		return []byte(expression.Interpolate(t, payload)), nil
	default:
		return marshalBody(expression.InterpolateValue(t, payload))
	}
}

func marshalBody(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding body: %v", ErrValidation, err)
	}

	return body, nil
}

func (e *Executor) custom(ctx context.Context, action models.Action, cfg *models.CustomConfig, accountID string, payload map[string]any) (map[string]any, error) {
	extension, err := e.store.ExtensionBySlug(ctx, accountID, cfg.Slug)
	if persistence.IsNotFound(err) {
		return nil, fmt.Errorf("%w for %q", errNoExtension, cfg.Slug)
	}

	if err != nil {
		return nil, fmt.Errorf("loading extension %q: %w", cfg.Slug, err)
	}

	body, err := marshalBody(map[string]any{
		"action_id":   action.ID,
		"action_type": cfg.Slug,
		"account_id":  accountID,
		"params":      expression.InterpolateValue(cfg.Params, payload),
		"payload":     payload,
	})
	if err != nil {
		return nil, err
	}

	status, err := e.send(ctx, http.MethodPost, extension.HandlerURL, body, map[string]string{
		"X-Relay-Extension": cfg.Slug,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"status_code": status, "extension_id": extension.ID}, nil
}

// send validates the destination, then performs one request bounded by the
// executor's HTTP timeout. Non-2xx responses are transport failures.
func (e *Executor) send(ctx context.Context, method, target string, body []byte, headers map[string]string) (int, error) {
	if err := e.validator.Validate(ctx, target); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSecurity, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: building request: %v", ErrValidation, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relay-automation/1.0")

	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ssrf.ErrBlocked) {
			return 0, fmt.Errorf("%w: %v", ErrSecurity, err)
		}

		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrTransport, method, target, resp.StatusCode, truncate(strings.TrimSpace(string(snippet)), 200))
	}

	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
