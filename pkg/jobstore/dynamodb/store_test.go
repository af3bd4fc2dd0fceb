package dynamodb

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/jobstoretest"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// fakeTable understands exactly the condition expressions Store issues.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// conflicts makes the next N versioned puts fail their condition.
	conflicts int
	puts      int
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return ""
}

func itemKey(av map[string]types.AttributeValue) string {
	return str(av["user_id"]) + "/" + str(av["simulation_id"])
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	k := itemKey(in.Item)
	existing, exists := f.items[k]
	failed := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(simulation_id)":
		if exists {
			return nil, failed
		}
	case "#v = :prev":
		if f.conflicts > 0 {
			f.conflicts--
			return nil, failed
		}
		if !exists || str(existing["version"]) != str(in.ExpressionAttributeValues[":prev"]) {
			return nil, failed
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := str(in.ExpressionAttributeValues[":u"])
	var out []map[string]types.AttributeValue
	for _, it := range f.items {
		if str(it["user_id"]) == user {
			out = append(out, it)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeTable) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := map[string]bool{}
	for _, v := range in.ExpressionAttributeValues {
		excluded[str(v)] = true
	}
	var out []map[string]types.AttributeValue
	for _, it := range f.items {
		if !excluded[str(it["status"])] {
			out = append(out, it)
		}
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func TestStore_Conformance(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		s, err := New(newFakeTable(), Config{Table: "sims"}, nil)
		require.NoError(t, err)
		return s
	})
}

func TestUpdate_RetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	s, err := New(table, Config{Table: "sims", UpdateAttempts: 3}, nil)
	require.NoError(t, err)
	job := jobstoretest.NewJob("u1", "sim-1")
	require.NoError(t, s.Create(ctx, job))

	table.conflicts = 2
	got, err := s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusPending, ""))
	require.NoError(t, err)
	assert.Equal(t, simulation.StatusPending, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdate_GivesUpAfterAttempts(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	s, err := New(table, Config{Table: "sims", UpdateAttempts: 2}, nil)
	require.NoError(t, err)
	job := jobstoretest.NewJob("u1", "sim-1")
	require.NoError(t, s.Create(ctx, job))

	table.conflicts = 5
	_, err = s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusPending, ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobstore.ErrConflict), "got %v", err)
}

func TestUpdate_TerminalNotRetried(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	s, err := New(table, Config{Table: "sims"}, nil)
	require.NoError(t, err)
	job := jobstoretest.NewJob("u1", "sim-1")
	require.NoError(t, s.Create(ctx, job))
	_, err = s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusFailed, "x"))
	require.NoError(t, err)

	before := table.puts
	got, err := s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusRunning, ""))
	require.Error(t, err)
	assert.True(t, jobstore.IsTerminal(err))
	assert.Equal(t, before, table.puts)
	require.NotNil(t, got)
	assert.Equal(t, simulation.StatusFailed, got.Status)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{Table: "t"}, nil)
	require.Error(t, err)
	_, err = New(newFakeTable(), Config{}, nil)
	require.Error(t, err)
}
