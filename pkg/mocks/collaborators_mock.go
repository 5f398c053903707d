package mocks

import (
	"context"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

type MockTaskCollaborator struct {
	mock.Mock
}

func (m *MockTaskCollaborator) CreateTask(ctx context.Context, spec protocol.TaskSpec) (string, error) {
	args := m.Called(ctx, spec)

	return args.String(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, messageType string, recipients []string, payload map[string]any) error {
	args := m.Called(ctx, messageType, recipients, payload)

	return args.Error(0)
}

type MockIntegrator struct {
	mock.Mock
}

func (m *MockIntegrator) Invoke(
	ctx context.Context,
	kind models.IntegrationKind,
	config map[string]any,
	instance protocol.InstanceContext,
) error {
	args := m.Called(ctx, kind, config, instance)

	return args.Error(0)
}

type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) Record(ctx context.Context, instanceID string, entry models.HistoryEntry) error {
	args := m.Called(ctx, instanceID, entry)

	return args.Error(0)
}
