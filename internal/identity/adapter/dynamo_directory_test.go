package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/domain/domaintest"
	"github.com/aelexs/identity-service/internal/dynamo"
	"github.com/aelexs/identity-service/internal/identity/app"
)

// ---------------------------------------------------------------------------
// Stub: implements directoryDynamoDB for unit tests.
// ---------------------------------------------------------------------------

type stubDirectoryDynamo struct {
	getItemFn            func(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	queryFn              func(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	transactWriteItemsFn func(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

func (s *stubDirectoryDynamo) GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return s.getItemFn(ctx, params, optFns...)
}

func (s *stubDirectoryDynamo) Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
	return s.queryFn(ctx, params, optFns...)
}

func (s *stubDirectoryDynamo) TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
	return s.transactWriteItemsFn(ctx, params, optFns...)
}

var _ directoryDynamoDB = (*stubDirectoryDynamo)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const customersTable = "customers"

func sampleCustomerItem() customerItem {
	return customerItem{
		CustomerID: "01HV5Z6Q8X3J4K5M6N7P8Q9R0S",
		Phone:      "+8801712345678",
		Email:      "rahim@example.com",
		Name:       "Rahim",
		CreatedAt:  adapterTestStart.UnixMilli(),
	}
}

func projectionQuery(t *testing.T, wantIndex string) func(context.Context, *dynamo.QueryInput, ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
	return func(_ context.Context, params *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
		assert.Equal(t, customersTable, *params.TableName)
		assert.Equal(t, wantIndex, *params.IndexName)
		return &dynamo.QueryOutput{Items: []map[string]dynamo.AttributeValue{
			{"customer_id": &dynamo.AttributeValueMemberS{Value: "01HV5Z6Q8X3J4K5M6N7P8Q9R0S"}},
		}}, nil
	}
}

func consistentGet(t *testing.T) func(context.Context, *dynamo.GetItemInput, ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return func(_ context.Context, params *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
		require.NotNil(t, params.ConsistentRead)
		assert.True(t, *params.ConsistentRead)
		av, err := dynamo.MarshalMap(sampleCustomerItem())
		require.NoError(t, err)
		return &dynamo.GetItemOutput{Item: av}, nil
	}
}

func newTestDirectory(stub *stubDirectoryDynamo) *DynamoDirectory {
	return NewDynamoDirectory(stub, customersTable, domaintest.NewFakeClock(adapterTestStart))
}

// ---------------------------------------------------------------------------
// Tests: lookups
// ---------------------------------------------------------------------------

func TestDynamoDirectory_LookupByPhone(t *testing.T) {
	t.Run("found via index then consistent get", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{
			queryFn:   projectionQuery(t, phoneIndex),
			getItemFn: consistentGet(t),
		})

		c, err := dir.LookupByPhone(context.Background(), "+8801712345678")

		require.NoError(t, err)
		assert.Equal(t, "01HV5Z6Q8X3J4K5M6N7P8Q9R0S", c.ID)
		assert.Equal(t, "Rahim", c.Name)
	})

	t.Run("no index match is ErrNotFound", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{
			queryFn: func(_ context.Context, _ *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				return &dynamo.QueryOutput{}, nil
			},
		})

		_, err := dir.LookupByPhone(context.Background(), "+8801712345678")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("query failure is not ErrNotFound", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{
			queryFn: func(_ context.Context, _ *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				return nil, errors.New("throttled")
			},
		})

		_, err := dir.LookupByPhone(context.Background(), "+8801712345678")
		require.Error(t, err)
		assert.False(t, domain.IsNotFound(err))
	})

	t.Run("cancelled between steps", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		dir := newTestDirectory(&stubDirectoryDynamo{
			queryFn: func(c context.Context, p *dynamo.QueryInput, o ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				cancel()
				return projectionQuery(t, phoneIndex)(c, p, o...)
			},
		})

		_, err := dir.LookupByPhone(ctx, "+8801712345678")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDynamoDirectory_LookupByEmail(t *testing.T) {
	dir := newTestDirectory(&stubDirectoryDynamo{
		queryFn:   projectionQuery(t, emailIndex),
		getItemFn: consistentGet(t),
	})

	c, err := dir.LookupByEmail(context.Background(), "rahim@example.com")

	require.NoError(t, err)
	assert.Equal(t, "rahim@example.com", c.Email)
}

// ---------------------------------------------------------------------------
// Tests: CreateCustomer
// ---------------------------------------------------------------------------

func TestDynamoDirectory_CreateCustomer(t *testing.T) {
	t.Run("writes customer and sentinels in one transaction", func(t *testing.T) {
		var captured *dynamo.TransactWriteItemsInput
		dir := newTestDirectory(&stubDirectoryDynamo{
			transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				captured = params
				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		})

		c, err := dir.CreateCustomer(context.Background(), app.NewCustomer{
			Phone: "+8801712345678", Email: "rahim@example.com", Name: "Rahim",
		})

		require.NoError(t, err)
		_, idErr := domain.NewCustomerID(c.ID)
		assert.NoError(t, idErr)
		assert.Equal(t, adapterTestStart.UnixMilli(), c.CreatedAt)

		require.NotNil(t, captured)
		require.Len(t, captured.TransactItems, 3)
		for _, item := range captured.TransactItems {
			require.NotNil(t, item.Put)
			require.NotNil(t, item.Put.ConditionExpression)
			assert.Contains(t, *item.Put.ConditionExpression, "attribute_not_exists")
		}

		var phone sentinelItem
		require.NoError(t, dynamo.UnmarshalMap(captured.TransactItems[1].Put.Item, &phone))
		assert.Equal(t, "phone#+8801712345678", phone.Key)
		assert.Equal(t, c.ID, phone.Owner)
	})

	t.Run("no email means no email sentinel", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{
			transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				assert.Len(t, params.TransactItems, 2)
				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		})

		_, err := dir.CreateCustomer(context.Background(), app.NewCustomer{Phone: "+8801712345678", Name: "Rahim"})
		require.NoError(t, err)
	})

	t.Run("taken phone is ErrAlreadyExists", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{
			transactWriteItemsFn: func(_ context.Context, _ *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("", "ConditionalCheckFailed")
			},
		})

		_, err := dir.CreateCustomer(context.Background(), app.NewCustomer{Phone: "+8801712345678", Name: "Rahim"})
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
		assert.Contains(t, err.Error(), "phone_sentinel")
	})

	t.Run("other failures are wrapped", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{
			transactWriteItemsFn: func(_ context.Context, _ *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, errors.New("throttled")
			},
		})

		_, err := dir.CreateCustomer(context.Background(), app.NewCustomer{Phone: "+8801712345678"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("phone required", func(t *testing.T) {
		dir := newTestDirectory(&stubDirectoryDynamo{})

		_, err := dir.CreateCustomer(context.Background(), app.NewCustomer{Name: "Rahim"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
