package dynamo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/identity-service/internal/dynamo"
)

func TestNewClient(t *testing.T) {
	client, err := dynamo.NewClient(context.Background(), dynamo.Config{
		Endpoint: "http://localhost:4566",
		Region:   "ap-south-1",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, client.DB)
}

func TestLoadAWSConfig(t *testing.T) {
	cfg, err := dynamo.LoadAWSConfig(context.Background(), dynamo.Config{
		Endpoint: "http://localhost:4566",
		Region:   "ap-south-1",
		Timeout:  3 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ap-south-1", cfg.Region)
	require.NotNil(t, cfg.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *cfg.BaseEndpoint)
}

func TestConditionalCheckHelpers(t *testing.T) {
	err := fmt.Errorf("put: %w", dynamo.ErrConditionalCheckFailed())
	assert.True(t, dynamo.IsConditionalCheckFailed(err))
	assert.False(t, dynamo.IsConditionalCheckFailed(errors.New("boom")))
}

func TestTransactionCanceledHelpers(t *testing.T) {
	reasons, ok := dynamo.IsTransactionCanceledException(dynamo.ErrTransactionCanceled("", "ConditionalCheckFailed"))
	require.True(t, ok)
	assert.Equal(t, []string{"", "ConditionalCheckFailed"}, reasons)

	_, ok = dynamo.IsTransactionCanceledException(errors.New("boom"))
	assert.False(t, ok)
}

func TestBuildCondition(t *testing.T) {
	expr, err := dynamo.BuildCondition(dynamo.Name("value").Equal(dynamo.Value([]byte("x"))))
	require.NoError(t, err)
	require.NotNil(t, expr.Condition())
	assert.Len(t, expr.Names(), 1)
	assert.Len(t, expr.Values(), 1)
}
