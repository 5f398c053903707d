// Package file provides file-based persistence implementation for definitions and instances.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/procflow/pkg/persistence"
)

const (
	workflowsDir  = "workflows"
	instancesDir  = "instances"
	approvalsDir  = "approvals"
	joinsDir      = "joins"
	statisticsDir = "statistics"
)

// Persistence implements the persistence.Persistence interface using the file system.
// One JSON document is stored per record; writes go through a temporary file and a rename.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return &DefinitionRepository{store: fp}
}

func (fp *Persistence) InstanceRepository() persistence.InstanceRepository {
	return &InstanceRepository{store: fp}
}

func (fp *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return &ApprovalRepository{store: fp}
}

func (fp *Persistence) JoinRepository() persistence.JoinRepository {
	return &JoinRepository{store: fp}
}

func (fp *Persistence) StatisticsRepository() persistence.StatisticsRepository {
	return &StatisticsRepository{store: fp}
}

func (fp *Persistence) path(dir, id string) string {
	return filepath.Clean(path.Join(fp.root, dir, id+".json"))
}

// read decodes a record into target. It returns fs.ErrNotExist when the record is absent.
func (fp *Persistence) read(dir, id string, target any) error {
	body, err := os.ReadFile(fp.path(dir, id))
	if err != nil {
		return err
	}

	err = json.Unmarshal(body, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", dir, id, err)
	}

	return nil
}

func (fp *Persistence) write(dir, id string, value any) error {
	err := os.MkdirAll(path.Join(fp.root, dir), 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	target := fp.path(dir, id)
	tmp := target + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	err = os.Rename(tmp, target)
	if err != nil {
		return fmt.Errorf("failed to replace %s/%s: %w", dir, id, err)
	}

	return nil
}

func (fp *Persistence) remove(dir, id string) error {
	err := os.Remove(fp.path(dir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s/%s: %w", dir, id, err)
	}

	return nil
}

// ids lists the record ids stored in a directory.
func (fp *Persistence) ids(dir string) ([]string, error) {
	jsonFiles, err := fs.Glob(os.DirFS(path.Join(fp.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", dir, err)
	}

	ids := make([]string, len(jsonFiles))
	for index, file := range jsonFiles {
		ids[index] = strings.TrimSuffix(file, ".json")
	}

	return ids, nil
}

// readAll decodes every record of a directory, calling decode once per id.
func readAll[T any](fp *Persistence, dir string) ([]*T, error) {
	ids, err := fp.ids(dir)
	if err != nil {
		return nil, err
	}

	records := make([]*T, 0, len(ids))

	for _, id := range ids {
		var record T

		err := fp.read(dir, id, &record)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, err
		}

		records = append(records, &record)
	}

	return records, nil
}
