package config

import (
	"errors"
	"fmt"
)

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Store.Backend {
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s store", c.Store.Backend))
		}
	case StoreDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Storage.Backend {
	case StorageS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for s3 storage"))
		}
	case StorageFile:
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir is required for file storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.Workflow.Engine {
	case EngineLocal:
	case EngineStepFunctions:
		if c.Workflow.StateMachineArn == "" {
			errs = append(errs, errors.New("workflow.state_machine_arn is required for the stepfunctions engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown workflow.engine %q", c.Workflow.Engine))
	}
	if c.Workflow.PollInterval <= 0 {
		errs = append(errs, errors.New("workflow.poll_interval must be positive"))
	}
	if c.Workflow.PollJitter < 0 {
		errs = append(errs, errors.New("workflow.poll_jitter must not be negative"))
	}

	switch c.Events.Backend {
	case EventsNone, "":
	case EventsRedis:
		if c.Events.RedisAddr == "" {
			errs = append(errs, errors.New("events.redis_addr is required for redis events"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events.backend %q", c.Events.Backend))
	}

	return errors.Join(errs...)
}
