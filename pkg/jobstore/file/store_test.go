package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/jobstoretest"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

func TestStore_Conformance(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		return s
	})
}

func TestStore_LayoutAndNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	job := jobstoretest.NewJob("u1", "sim-1")
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := s.Update(context.Background(), job.Key(), jobstore.SetStatus(simulation.StatusPending, "")); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "u1", "sim-1"))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "simulation.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected record dir contents: %v", names)
	}
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := s.Create(context.Background(), jobstoretest.NewJob("..", "sim")); err == nil {
		t.Fatalf("expected error for user_id '..'")
	}
	if _, err := s.Get(context.Background(), simulation.Key{UserID: "u", SimulationID: "a/b"}); err == nil {
		t.Fatalf("expected error for simulation_id with separator")
	}
}

func TestNew_EmptyRoot(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
