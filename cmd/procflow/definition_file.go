package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dukex/procflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// loadDefinition reads a definition from a YAML or JSON file. Field names follow
// the JSON representation used by the API.
func loadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var document map[string]any

	err = yaml.Unmarshal(data, &document)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if document == nil {
		return nil, fmt.Errorf("%s is empty", path)
	}

	payload, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", path, err)
	}

	var def models.WorkflowDefinition

	err = json.Unmarshal(payload, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to decode definition in %s: %w", path, err)
	}

	return &def, nil
}
