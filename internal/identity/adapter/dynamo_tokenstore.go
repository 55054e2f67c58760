package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/dynamo"
	"github.com/aelexs/identity-service/internal/identity/app"
)

// tokenDynamoDB is the subset of the DynamoDB client used by the token
// store. The *dynamodb.Client satisfies it.
type tokenDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
}

// tokenItem is the item shape of the tokens table. DynamoDB's own TTL sweep
// runs on ttl (epoch seconds) and lags, so reads filter on expires_at_ms.
type tokenItem struct {
	PK          string `dynamodbav:"pk"`
	Value       []byte `dynamodbav:"value"`
	ExpiresAtMs int64  `dynamodbav:"expires_at_ms"`
	TTL         int64  `dynamodbav:"ttl"`
}

var _ app.TokenStore = (*DynamoTokenStore)(nil)

// DynamoTokenStore is the DynamoDB-backed TokenStore. Compare operations use
// condition expressions so they stay atomic across instances.
type DynamoTokenStore struct {
	db        tokenDynamoDB
	tableName string
	clock     domain.Clock
}

// NewDynamoTokenStore creates a DynamoTokenStore on tableName.
func NewDynamoTokenStore(db tokenDynamoDB, tableName string, clock domain.Clock) *DynamoTokenStore {
	return &DynamoTokenStore{db: db, tableName: tableName, clock: clock}
}

func (s *DynamoTokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.tokens.get", "GetItem")
	defer span.End()

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return nil, spanError(span, fmt.Errorf("token store: get %q: %w", key, err))
	}
	item, err := s.live(out.Item)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("token store: get %q: %w", key, err))
	}
	if item == nil {
		return nil, fmt.Errorf("token store: get %q: %w", key, domain.ErrNotFound)
	}
	return item.Value, nil
}

func (s *DynamoTokenStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := startDynamoSpan(ctx, "dynamo.tokens.set", "PutItem")
	defer span.End()

	if ttl <= 0 {
		return fmt.Errorf("token store: set %q: ttl must be positive: %w", key, domain.ErrInvalidInput)
	}
	av, err := dynamo.MarshalMap(s.newItem(key, value, ttl))
	if err != nil {
		return fmt.Errorf("token store: marshal %q: %w", key, err)
	}
	if _, err := s.db.PutItem(ctx, &dynamo.PutItemInput{TableName: &s.tableName, Item: av}); err != nil {
		return spanError(span, fmt.Errorf("token store: set %q: %w", key, err))
	}
	return nil
}

// Delete removes key. It reports false when the key was absent or had
// already expired.
func (s *DynamoTokenStore) Delete(ctx context.Context, key string) (bool, error) {
	item, err := s.deleteReturning(ctx, "dynamo.tokens.delete", key)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (s *DynamoTokenStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAndDelete removes key and returns the value it held.
func (s *DynamoTokenStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	item, err := s.deleteReturning(ctx, "dynamo.tokens.getdel", key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("token store: getdel %q: %w", key, domain.ErrNotFound)
	}
	return item.Value, nil
}

func (s *DynamoTokenStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.tokens.compare_and_delete", "DeleteItem")
	defer span.End()

	expr, err := dynamo.BuildCondition(s.holds(expected))
	if err != nil {
		return false, err
	}
	_, err = s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(key),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if dynamo.IsConditionalCheckFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, spanError(span, fmt.Errorf("token store: compare and delete %q: %w", key, err))
	}
	return true, nil
}

func (s *DynamoTokenStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.tokens.compare_and_swap", "PutItem")
	defer span.End()

	if ttl <= 0 {
		return false, fmt.Errorf("token store: compare and swap %q: ttl must be positive: %w", key, domain.ErrInvalidInput)
	}
	av, err := dynamo.MarshalMap(s.newItem(key, next, ttl))
	if err != nil {
		return false, fmt.Errorf("token store: marshal %q: %w", key, err)
	}
	expr, err := dynamo.BuildCondition(s.holds(expected))
	if err != nil {
		return false, err
	}
	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:                 &s.tableName,
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if dynamo.IsConditionalCheckFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, spanError(span, fmt.Errorf("token store: compare and swap %q: %w", key, err))
	}
	return true, nil
}

func (s *DynamoTokenStore) deleteReturning(ctx context.Context, spanName, key string) (*tokenItem, error) {
	ctx, span := startDynamoSpan(ctx, spanName, "DeleteItem")
	defer span.End()

	out, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName:    &s.tableName,
		Key:          s.key(key),
		ReturnValues: dynamo.ReturnValueAllOld,
	})
	if err != nil {
		return nil, spanError(span, fmt.Errorf("token store: delete %q: %w", key, err))
	}
	item, err := s.live(out.Attributes)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("token store: delete %q: %w", key, err))
	}
	return item, nil
}

// holds matches an item that still carries expected and has not expired.
func (s *DynamoTokenStore) holds(expected []byte) dynamo.ConditionBuilder {
	now := domain.NowUTCMillis(s.clock)
	return dynamo.Name("value").Equal(dynamo.Value(expected)).
		And(dynamo.Name("expires_at_ms").GreaterThan(dynamo.Value(now)))
}

// live decodes av and drops it when it has expired. A nil result means the
// key is absent.
func (s *DynamoTokenStore) live(av map[string]dynamo.AttributeValue) (*tokenItem, error) {
	if len(av) == 0 {
		return nil, nil
	}
	var item tokenItem
	if err := dynamo.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal token item: %w", err)
	}
	if domain.NowUTCMillis(s.clock) >= item.ExpiresAtMs {
		return nil, nil
	}
	return &item, nil
}

func (s *DynamoTokenStore) newItem(key string, value []byte, ttl time.Duration) tokenItem {
	expires := s.clock.Now().Add(ttl)
	return tokenItem{
		PK:          key,
		Value:       value,
		ExpiresAtMs: expires.UnixMilli(),
		TTL:         expires.Unix() + 1,
	}
}

func (s *DynamoTokenStore) key(key string) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"pk": &dynamo.AttributeValueMemberS{Value: key},
	}
}

func startDynamoSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}
