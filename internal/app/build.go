// Package app assembles the lifecycle components from configuration and
// exposes the intake, query and cancellation operations.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/config"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/awsconfig"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute/batch"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
	eventsredis "github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events/redis"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/dynamodb"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/file"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/sqlite"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
	filestorage "github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage/file"
	s3storage "github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage/s3"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow/stepfunctions"
)

// Open builds every collaborator named by cfg and assembles a Service.
//
// With the local engine, orchestrators run in-process; with Step Functions
// the service only starts executions and the state machine drives `step`.
func Open(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := Components{Metrics: metrics, Logger: logger}
	var err error
	closeOnErr := func() {
		_ = c.close()
	}

	if c.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if c.Storage, err = openStorage(ctx, cfg); err != nil {
		closeOnErr()
		return nil, err
	}
	if c.Backend, err = openBackend(ctx, cfg, logger); err != nil {
		closeOnErr()
		return nil, err
	}
	if c.Publisher, err = openPublisher(ctx, cfg, logger); err != nil {
		closeOnErr()
		return nil, err
	}
	if cfg.Workflow.Engine == config.EngineStepFunctions {
		engine, err := stepfunctions.New(ctx, stepfunctions.Config{
			AWS:             awsOptions(cfg),
			StateMachineArn: cfg.Workflow.StateMachineArn,
		}, logger)
		if err != nil {
			closeOnErr()
			return nil, fmt.Errorf("open workflow engine: %w", err)
		}
		c.Engine = engine
	}

	svc, err := Assemble(c, SettingsFrom(cfg))
	if err != nil {
		closeOnErr()
		return nil, err
	}
	return svc, nil
}

// SettingsFrom extracts the tuning a Service needs from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	s := Settings{
		MaxActivePerUser: cfg.Quota.MaxActivePerUser,
		PollInterval:     cfg.Workflow.PollInterval,
		PollJitter:       cfg.Workflow.PollJitter,
		MaxWallClock:     cfg.Workflow.MaxWallClock,
		CallTimeout:      cfg.Compute.CallTimeout,
		Queues:           make(map[simulation.Family]string, len(cfg.Compute.Queues)),
		JobDefinitions:   make(map[simulation.Type]string, len(cfg.Compute.JobDefinitions)),
	}
	for k, v := range cfg.Compute.Queues {
		s.Queues[simulation.Family(strings.ToLower(k))] = v
	}
	for k, v := range cfg.Compute.JobDefinitions {
		s.JobDefinitions[simulation.Type(strings.ToUpper(k))] = v
	}
	return s
}

func awsOptions(cfg *config.Config) awsconfig.Options {
	return awsconfig.Options{
		Region:   cfg.AWS.Region,
		Profile:  cfg.AWS.Profile,
		Endpoint: cfg.AWS.Endpoint,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (jobstore.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreFile:
		s, err := file.New(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.StoreDynamoDB:
		awsCfg, err := awsconfig.Load(ctx, awsOptions(cfg))
		if err != nil {
			return nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		s, err := dynamodb.New(awsdynamodb.NewFromConfig(awsCfg), dynamodb.Config{Table: cfg.Store.Table}, nil)
		if err != nil {
			return nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageFile:
		s, err := filestorage.New(filestorage.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open file storage: %w", err)
		}
		return s, nil
	case config.StorageS3:
		s, err := s3storage.New(ctx, s3storage.Config{
			Bucket:         cfg.Storage.Bucket,
			AWS:            awsOptions(cfg),
			ForcePathStyle: cfg.Storage.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (compute.Backend, error) {
	b, err := batch.New(ctx, batch.Config{
		AWS:          awsOptions(cfg),
		DescribeRate: cfg.Compute.DescribeRate,
		CallTimeout:  cfg.Compute.CallTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open compute backend: %w", err)
	}
	return b, nil
}

func openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if cfg.Events.Backend != config.EventsRedis {
		return nil, nil
	}
	pub, err := eventsredis.New(ctx, eventsredis.Config{
		Addr:   cfg.Events.RedisAddr,
		DB:     cfg.Events.RedisDB,
		Stream: cfg.Events.Stream,
		MaxLen: cfg.Events.MaxLen,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open redis events: %w", err)
	}
	return pub, nil
}

// close releases whatever was opened so far.
func (c Components) close() error {
	var result *multierror.Error
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close publisher: %w", err))
		}
	}
	if c.Storage != nil {
		if err := c.Storage.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close storage: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
