package integrations

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/template"
)

// invokeEmail hands the message to the notifier. config carries "to" (a list of
// recipients), "subject" and "body"; subject and body are templates.
func (r *Registry) invokeEmail(ctx context.Context, config map[string]any, instance protocol.InstanceContext) error {
	if r.notifier == nil {
		return backoff.Permanent(ErrNoNotifier)
	}

	recipients := stringList(config["to"])
	if len(recipients) == 0 {
		return backoff.Permanent(fmt.Errorf("%w: email needs at least one recipient", ErrInvalidConfig))
	}

	data := template.InstanceData(instance)

	payload, err := template.RenderMap(map[string]any{
		"subject": config["subject"],
		"body":    config["body"],
	}, data)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	payload["instance_id"] = instance.InstanceID
	payload["definition_id"] = instance.DefinitionID
	payload["correlation_id"] = instance.CorrelationID

	return r.notifier.Send(ctx, "email", recipients, payload)
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}

		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}
