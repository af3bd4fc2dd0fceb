package app

import (
	"context"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
)

// healthProbeUser is never a real user id; the query only proves the store
// answers.
const healthProbeUser = "__health__"

type storeChecker struct{ store jobstore.Store }

func (c storeChecker) CheckHealth(ctx context.Context) error {
	_, err := c.store.Query(ctx, healthProbeUser, jobstore.Filter{Limit: 1})
	return err
}

type storageChecker struct{ storage storage.Storage }

func (c storageChecker) CheckHealth(ctx context.Context) error {
	_, err := c.storage.List(ctx, storage.ListOptions{Prefix: "simulations/", MaxKeys: 1})
	return err
}

// HealthChecker is satisfied by every dependency probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Checkers returns the readiness probes for the service's dependencies.
func (s *Service) Checkers() map[string]HealthChecker {
	return map[string]HealthChecker{
		"metadata_store": storeChecker{store: s.c.Store},
		"object_storage": storageChecker{storage: s.c.Storage},
	}
}
