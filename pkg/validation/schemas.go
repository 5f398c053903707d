package validation

import "github.com/dukex/procflow/pkg/models"

var stringList = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string", "minLength": 1},
}

// Schema returns the JSON schema a node config of the given kind must satisfy.
func Schema(kind models.NodeKind) map[string]any {
	switch kind {
	case models.NodeKindStart, models.NodeKindEnd, models.NodeKindMerge:
		return map[string]any{"type": "object"}
	case models.NodeKindTask:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":          map[string]any{"type": "string"},
				"description":    map[string]any{"type": "string"},
				"assignee":       map[string]any{"type": "string"},
				"due_in_minutes": map[string]any{"type": "integer", "minimum": 0},
				"form":           map[string]any{"type": "object"},
			},
		}
	case models.NodeKindApproval:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"approvers": map[string]any{
					"type":        "array",
					"description": "User ids or role:<name> references resolved through the directory",
					"items":       map[string]any{"type": "string", "minLength": 1},
					"minItems":    1,
				},
				"approval_type":   map[string]any{"type": "string", "enum": []string{"any", "all", "majority"}},
				"min_approvals":   map[string]any{"type": "integer", "minimum": 1},
				"reject_on_first": map[string]any{"type": "boolean"},
				"timeout_minutes": map[string]any{"type": "integer", "minimum": 0},
				"on_timeout":      map[string]any{"type": "string", "enum": []string{"reject", "escalate"}},
				"escalate_to":     stringList,
			},
			"required": []string{"approvers"},
		}
	case models.NodeKindCondition:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Boolean expression over instance variables, e.g. amount > 1000",
					"minLength":   1,
				},
			},
			"required": []string{"expression"},
		}
	case models.NodeKindParallel:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"failure_policy": map[string]any{"type": "string", "enum": []string{"fail_fast", "wait_all"}},
			},
		}
	case models.NodeKindNotification:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"messages": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"type":       map[string]any{"type": "string", "minLength": 1},
							"recipients": stringList,
							"template":   map[string]any{"type": "string"},
							"payload":    map[string]any{"type": "object"},
						},
						"required": []string{"type", "recipients"},
					},
				},
				"fail_on_error": map[string]any{"type": "boolean"},
			},
			"required": []string{"messages"},
		}
	case models.NodeKindIntegration:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"integrations": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"kind":   map[string]any{"type": "string", "enum": []string{"webhook", "api", "email", "custom"}},
							"name":   map[string]any{"type": "string"},
							"config": map[string]any{"type": "object"},
						},
						"required": []string{"kind"},
					},
				},
			},
			"required": []string{"integrations"},
		}
	default:
		return nil
	}
}
