// Package dynamodb implements the Metadata Store on Amazon DynamoDB.
//
// Table layout: partition key user_id (S), sort key simulation_id (S). The
// full record is held as a JSON document in the record attribute; status,
// created_at and version are projected as top-level attributes for filters
// and conditional writes.
//
// Create is a conditional PutItem on attribute_not_exists(simulation_id).
// Update is read-modify-write fenced by the version attribute and retried on
// conditional-check failure.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config configures the DynamoDB store.
type Config struct {
	// Table is the table name.
	Table string

	// UpdateAttempts bounds optimistic-concurrency retries. Defaults to 5.
	UpdateAttempts uint
}

// Store is a DynamoDB-backed jobstore.Store.
type Store struct {
	api      API
	table    string
	attempts uint
	logger   *zap.Logger
	now      func() time.Time
}

// item is the stored attribute layout.
type item struct {
	UserID       string `dynamodbav:"user_id"`
	SimulationID string `dynamodbav:"simulation_id"`
	Status       string `dynamodbav:"status"`
	CreatedAt    string `dynamodbav:"created_at"`
	Version      int64  `dynamodbav:"version"`
	Record       string `dynamodbav:"record"`
}

// New returns a Store using api.
func New(api API, cfg Config, logger *zap.Logger) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamodb client is nil")
	}
	if cfg.Table == "" {
		return nil, errors.New("dynamodb table is required")
	}
	if cfg.UpdateAttempts == 0 {
		cfg.UpdateAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		api:      api,
		table:    cfg.Table,
		attempts: cfg.UpdateAttempts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func toItem(job *simulation.Job) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	av, err := attributevalue.MarshalMap(item{
		UserID:       job.UserID,
		SimulationID: job.SimulationID,
		Status:       string(job.Status),
		CreatedAt:    job.CreatedAt.Format(time.RFC3339Nano),
		Version:      job.Version,
		Record:       string(doc),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	return av, nil
}

func fromItem(av map[string]types.AttributeValue) (*simulation.Job, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	var job simulation.Job
	if err := json.Unmarshal([]byte(it.Record), &job); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &job, nil
}

func keyAttrs(key simulation.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":       &types.AttributeValueMemberS{Value: key.UserID},
		"simulation_id": &types.AttributeValueMemberS{Value: key.SimulationID},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Create implements jobstore.Store.
func (s *Store) Create(ctx context.Context, job *simulation.Job) error {
	if err := jobstore.PrepareCreate(job, s.now()); err != nil {
		return err
	}
	av, err := toItem(job)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(simulation_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s", jobstore.ErrAlreadyExists, job.Key())
		}
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// Get implements jobstore.Store.
func (s *Store) Get(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", jobstore.ErrNotFound, key)
	}
	return fromItem(out.Item)
}

// Update implements jobstore.Store.
func (s *Store) Update(ctx context.Context, key simulation.Key, patch jobstore.Patch) (*simulation.Job, error) {
	var result *simulation.Job
	err := retry.Do(
		func() error {
			job, err := s.Get(ctx, key)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			prev := job.Version
			if err := patch.Apply(job, s.now()); err != nil {
				result = job
				return retry.Unrecoverable(err)
			}
			av, err := toItem(job)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.table),
				Item:                av,
				ConditionExpression: aws.String("#v = :prev"),
				ExpressionAttributeNames: map[string]string{
					"#v": "version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(prev, 10)},
				},
			})
			if err != nil {
				if isConditionFailed(err) {
					s.logger.Debug("Version conflict, retrying update",
						zap.String("simulation_id", key.SimulationID),
						zap.Int64("version", prev))
					return fmt.Errorf("%w: %s", jobstore.ErrConflict, key)
				}
				return retry.Unrecoverable(fmt.Errorf("dynamodb PutItem: %w", err))
			}
			result = job
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(20*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, jobstore.ErrConflict) }),
	)
	if err != nil {
		return result, err
	}
	return result, nil
}

// Query implements jobstore.Store.
func (s *Store) Query(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error) {
	p := dynamodb.NewQueryPaginator(s.api, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
	})
	var out []*simulation.Job
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query: %w", err)
		}
		for _, av := range page.Items {
			job, err := fromItem(av)
			if err != nil {
				return nil, err
			}
			if filter.Match(job) {
				out = append(out, job)
			}
		}
	}
	return filter.Finish(out), nil
}

// ScanActive implements jobstore.ActiveScanner.
func (s *Store) ScanActive(ctx context.Context) ([]*simulation.Job, error) {
	p := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("NOT #s IN (:c, :f, :x)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: string(simulation.StatusCompleted)},
			":f": &types.AttributeValueMemberS{Value: string(simulation.StatusFailed)},
			":x": &types.AttributeValueMemberS{Value: string(simulation.StatusCancelled)},
		},
	})
	var out []*simulation.Job
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Scan: %w", err)
		}
		for _, av := range page.Items {
			job, err := fromItem(av)
			if err != nil {
				return nil, err
			}
			out = append(out, job)
		}
	}
	return jobstore.Filter{}.Finish(out), nil
}

// Close implements jobstore.Store.
func (s *Store) Close() error {
	return nil
}

var (
	_ jobstore.Store         = (*Store)(nil)
	_ jobstore.ActiveScanner = (*Store)(nil)
)
