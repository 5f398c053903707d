// Package template renders integration and notification settings against instance data.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/procflow/pkg/protocol"
)

// InstanceData is the template root for an instance:
// .instance, .variables (also .vars), .context and .node.
func InstanceData(instance protocol.InstanceContext) map[string]any {
	return map[string]any{
		"instance": map[string]any{
			"id":            instance.InstanceID,
			"definition_id": instance.DefinitionID,
			"title":         instance.Title,
		},
		"variables": instance.Variables,
		"vars":      instance.Variables,
		"context":   instance.Context,
		"node":      instance.NodeID,
	}
}

// NeedsTemplating reports whether input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderString executes templateStr against data. Missing keys are errors.
func RenderString(templateStr string, data any) (string, error) {
	if !NeedsTemplating(templateStr) {
		return templateStr, nil
	}

	tmpl, err := template.
		New("render").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)

				return string(b), err
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// Render executes the template and decodes the result. A result starting with '{'
// or '[' must be valid JSON; a number or a boolean is decoded as such. Anything
// else is returned as a string.
func Render(templateStr string, data any) (any, error) {
	result, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)
	if strings.HasPrefix(result, "{") || strings.HasPrefix(result, "[") {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderMap renders every string value of m, recursing into nested maps and slices.
func RenderMap(m map[string]any, data any) (map[string]any, error) {
	out := make(map[string]any, len(m))

	for key, value := range m {
		rendered, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		return RenderString(v, data)
	case map[string]any:
		return RenderMap(v, data)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}
