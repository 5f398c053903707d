package engine

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/procflow/pkg/protocol"
	"github.com/google/uuid"
)

// correlationID identifies the external work started by one visit of a node, so
// a retried invocation repeats the same request.
func correlationID(instanceID, nodeID, branch string, visit int) string {
	return derivedID("procflow:work:", instanceID, nodeID, branch, visit)
}

func approvalID(instanceID, nodeID, branch string, visit int) string {
	return derivedID("procflow:approval:", instanceID, nodeID, branch, visit)
}

func derivedID(prefix, instanceID, nodeID, branch string, visit int) string {
	name := prefix + instanceID + "/" + nodeID + "/" + branch + "/" + strconv.Itoa(visit)

	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// correlatedTasks is the task collaborator used when none is configured: the
// correlation id doubles as the task id.
type correlatedTasks struct{}

func (correlatedTasks) CreateTask(_ context.Context, spec protocol.TaskSpec) (string, error) {
	return spec.CorrelationID, nil
}

type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Send(ctx context.Context, messageType string, recipients []string, payload map[string]any) error {
	n.logger.InfoContext(ctx, "notification", "type", messageType, "recipients", recipients, "payload", payload)

	return nil
}
