// Package template renders Go text templates embedded in action step configuration.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/journeys/pkg/models"
)

// Data builds the document templates are rendered against.
func Data(enrollment *models.Enrollment, contact map[string]any) map[string]any {
	data := map[string]any{
		"contact":  contact,
		"metadata": map[string]any{},
	}

	if enrollment != nil {
		data["metadata"] = enrollment.Metadata
		data["enrollment"] = map[string]any{
			"id":          enrollment.ID,
			"workflow_id": enrollment.WorkflowID,
			"contact_id":  enrollment.ContactID,
			"step_id":     enrollment.CurrentStepID,
		}
	}

	return data
}

// NeedsTemplating reports whether input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// Render executes a template string. Missing keys render as empty strings.
func Render(templateStr string, data any) (string, error) {
	if !NeedsTemplating(templateStr) {
		return templateStr, nil
	}

	tmpl, err := template.
		New("config").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"default": func(fallback, value any) any {
				if value == nil || value == "" {
					return fallback
				}

				return value
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

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// RenderConfig returns a copy of config with every string value rendered,
// descending into nested maps and lists.
func RenderConfig(config map[string]any, data any) (map[string]any, error) {
	rendered, err := renderValue(config, data)
	if err != nil {
		return nil, err
	}

	result, _ := rendered.(map[string]any)

	return result, nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, data)
	case map[string]any:
		if v == nil {
			return map[string]any(nil), nil
		}

		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}
