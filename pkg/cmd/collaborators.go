package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dukex/procflow/pkg/audit"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/integrations"
	"github.com/dukex/procflow/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// NewCollaborators wires the engine collaborators of a process attached to the bus.
// Tasks, notifications and audit entries leave as events; integrations run in process.
// Audit entries are also written to the log.
func NewCollaborators(bus eventbus.EventBus, logger *slog.Logger, directory protocol.Directory) engine.Collaborators {
	notifier := eventbus.NewNotificationPublisher(bus)

	return engine.Collaborators{
		Tasks:      eventbus.NewTaskPublisher(bus),
		Notifier:   notifier,
		Integrator: integrations.NewRegistry(logger, notifier),
		Auditor:    audit.Fanout{audit.NewEventAuditor(bus), audit.NewLogAuditor(logger)},
		Directory:  directory,
	}
}

type directoryFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadDirectory reads role membership from a YAML (or JSON) file of the form
//
//	roles:
//	  finance_lead: [fay, gus]
//
// An empty path yields an empty directory.
func LoadDirectory(path string) (*protocol.StaticDirectory, error) {
	if path == "" {
		return protocol.NewStaticDirectory(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}

	var file directoryFile

	err = yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}

	return protocol.NewStaticDirectory(file.Roles), nil
}
