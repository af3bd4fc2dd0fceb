// Package file implements the Metadata Store on the local filesystem.
//
// Directory layout:
//
//	<root>/<user_id>/<simulation_id>/simulation.json
//
// Writes go to a temp file in the record directory and are renamed into
// place, so readers never observe a partially written record. Creation links
// the temp file to its final name, which fails if the record already exists.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

const recordFile = "simulation.json"

// Store persists simulation records under a root directory.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// New returns a Store rooted at root.
func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("job store root dir is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create job store root: %w", err)
	}
	return &Store{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// RootDir returns the root directory.
func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) recordDir(key simulation.Key) string {
	return filepath.Join(s.root, key.UserID, key.SimulationID)
}

func (s *Store) recordPath(key simulation.Key) string {
	return filepath.Join(s.recordDir(key), recordFile)
}

func checkKey(key simulation.Key) error {
	for name, v := range map[string]string{"user_id": key.UserID, "simulation_id": key.SimulationID} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("%s %q is not a valid path segment", name, v)
		}
	}
	return nil
}

// Create implements jobstore.Store.
func (s *Store) Create(ctx context.Context, job *simulation.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := jobstore.PrepareCreate(job, s.now()); err != nil {
		return err
	}
	key := job.Key()
	if err := checkKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.recordDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	tmpName, err := s.writeTemp(dir, job)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Link(tmpName, s.recordPath(key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", jobstore.ErrAlreadyExists, key)
		}
		return fmt.Errorf("link record file: %w", err)
	}
	return nil
}

// Get implements jobstore.Store.
func (s *Store) Get(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return s.read(key)
}

// Update implements jobstore.Store.
func (s *Store) Update(ctx context.Context, key simulation.Key, patch jobstore.Patch) (*simulation.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(job, s.now()); err != nil {
		return job, err
	}

	dir := s.recordDir(key)
	tmpName, err := s.writeTemp(dir, job)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmpName) }()
	if err := os.Rename(tmpName, s.recordPath(key)); err != nil {
		return nil, fmt.Errorf("rename record file: %w", err)
	}
	return job.Clone(), nil
}

// Query implements jobstore.Store.
func (s *Store) Query(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error) {
	if err := checkKey(simulation.Key{UserID: userID, SimulationID: "_"}); err != nil {
		return nil, err
	}
	out, err := s.scanUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	return filter.Finish(out), nil
}

// ScanActive implements jobstore.ActiveScanner.
func (s *Store) ScanActive(ctx context.Context) ([]*simulation.Job, error) {
	users, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job store root: %w", err)
	}
	var out []*simulation.Job
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		jobs, err := s.scanUser(ctx, u.Name(), jobstore.Filter{ActiveOnly: true})
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
	}
	return jobstore.Filter{}.Finish(out), nil
}

// Close implements jobstore.Store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) scanUser(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read user dir: %w", err)
	}

	out := make([]*simulation.Job, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		job, err := s.read(simulation.Key{UserID: userID, SimulationID: entry.Name()})
		if err != nil {
			continue
		}
		if filter.Match(job) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *Store) read(key simulation.Key) (*simulation.Job, error) {
	b, err := os.ReadFile(s.recordPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", jobstore.ErrNotFound, key)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", recordFile)
	}
	var job simulation.Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, fmt.Errorf("parse %s: %w", recordFile, err)
	}
	return &job, nil
}

func (s *Store) writeTemp(dir string, job *simulation.Job) (string, error) {
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, recordFile+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp record file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp record file: %w", err)
	}
	return tmpName, nil
}

var (
	_ jobstore.Store         = (*Store)(nil)
	_ jobstore.ActiveScanner = (*Store)(nil)
)
