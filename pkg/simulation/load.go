package simulation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Submission is an intake request: who is submitting, an optional
// caller-chosen id, and the run configuration.
type Submission struct {
	UserID        string        `json:"user_id" yaml:"user_id"`
	SimulationID  string        `json:"simulation_id,omitempty" yaml:"simulation_id,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	Configuration Configuration `json:"configuration" yaml:"configuration"`
}

// LoadSubmission reads a submission file.
//
// The format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// Any other extension tries YAML, which also accepts JSON documents.
func LoadSubmission(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("submission file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading submission: %s", path)
		}
		return nil, fmt.Errorf("failed to read submission file: %w", err)
	}
	return ParseSubmission(data, path)
}

// ParseSubmission decodes a submission from raw bytes and checks it against
// the submission schema. Unknown fields are rejected.
func ParseSubmission(data []byte, path string) (*Submission, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("submission is empty")
	}

	var sub Submission
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sub); err != nil {
			return nil, fmt.Errorf("parse submission JSON: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&sub); err != nil {
			return nil, fmt.Errorf("parse submission YAML: %w", err)
		}
	}

	sub.UserID = strings.TrimSpace(sub.UserID)
	sub.SimulationID = strings.TrimSpace(sub.SimulationID)
	if err := sub.ValidateSchema(); err != nil {
		return nil, err
	}
	return &sub, nil
}
