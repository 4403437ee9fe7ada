package iforest

import (
	"encoding/json"
	"fmt"
	"os"

	"marketwatch/internal/models"
)

// Save writes the fitted model as a JSON artifact.
func (m *Model) Save(path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model artifact: %w", err)
	}
	return nil
}

// Load reads a model artifact from disk. A missing or malformed artifact is
// ErrModelUnavailable: the pipeline must not start without a usable model.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrModelUnavailable, path, err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", models.ErrModelUnavailable, path, err)
	}
	if len(m.Trees) == 0 || len(m.FeatureNames) == 0 {
		return nil, fmt.Errorf("%w: artifact %s has no trees or features", models.ErrModelUnavailable, path)
	}
	return &m, nil
}
