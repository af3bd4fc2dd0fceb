//go:build cloudintegration

package dynamodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/dynamodb"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/jobstoretest"
	"github.com/scttfrdmn/aws-geos-chem-sub000/test/cloudtest"
)

func TestStore_Conformance_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)

	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		ctx := context.Background()
		table := cloudtest.CreateSimulationTable(t, ctx)
		client, err := cloudtest.DynamoDB()
		require.NoError(t, err)

		s, err := dynamodb.New(client, dynamodb.Config{Table: table}, nil)
		require.NoError(t, err)
		return s
	})
}
