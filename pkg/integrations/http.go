package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/template"
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

const maxErrorBody = 512

// invokeHTTP calls config["url"] with config["method"] (defaulting to method).
// Headers and a string body are templates over the instance; without a body the
// instance context is sent as JSON.
func (r *Registry) invokeHTTP(ctx context.Context, method string, config map[string]any, instance protocol.InstanceContext) error {
	req, err := buildRequest(ctx, method, config, instance)
	if err != nil {
		return backoff.Permanent(err)
	}

	_, err = r.breakerFor(req.URL.Host).Execute(func() (any, error) {
		return nil, r.do(req)
	})

	return err
}

func (r *Registry) do(req *http.Request) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("%w %d from %s: %s", ErrUnexpectedStatus, resp.StatusCode, req.URL.Redacted(), strings.TrimSpace(string(body)))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}

	return err
}

func buildRequest(ctx context.Context, method string, config map[string]any, instance protocol.InstanceContext) (*http.Request, error) {
	data := template.InstanceData(instance)

	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}

	rawURL, err := template.RenderString(rawURL, data)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %w", ErrInvalidConfig, err)
	}

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("%w: url %q must be an absolute http(s) url", ErrInvalidConfig, rawURL)
	}

	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	body, err := requestBody(method, config["body"], data, instance)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Procflow-Correlation-Id", instance.CorrelationID)

	if headers, ok := config["headers"].(map[string]any); ok {
		for key, value := range headers {
			raw, ok := value.(string)
			if !ok {
				continue
			}

			rendered, err := template.RenderString(raw, data)
			if err != nil {
				return nil, fmt.Errorf("%w: header %s: %w", ErrInvalidConfig, key, err)
			}

			req.Header.Set(key, rendered)
		}
	}

	return req, nil
}

func requestBody(method string, raw any, data map[string]any, instance protocol.InstanceContext) (io.Reader, error) {
	switch body := raw.(type) {
	case string:
		rendered, err := template.RenderString(body, data)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %w", ErrInvalidConfig, err)
		}

		return strings.NewReader(rendered), nil
	case map[string]any:
		rendered, err := template.RenderMap(body, data)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %w", ErrInvalidConfig, err)
		}

		return jsonReader(rendered)
	case nil:
		if method == http.MethodGet || method == http.MethodHead {
			return http.NoBody, nil
		}

		return jsonReader(instance)
	default:
		return jsonReader(body)
	}
}

func jsonReader(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrInvalidConfig, err)
	}

	return bytes.NewReader(b), nil
}
