// Package dynamo provides the DynamoDB client factory and the SDK types that
// adapters need. Adapters import this package instead of the SDK so the
// dependency stays in one place.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Config holds AWS connection parameters.
type Config struct {
	// Endpoint overrides the default AWS endpoint, e.g. a LocalStack URL.
	// Static test credentials are used when it is set.
	Endpoint string

	Region  string
	Timeout time.Duration
}

// Client wraps the AWS DynamoDB SDK client.
type Client struct {
	DB *dynamodb.Client
}

// LoadAWSConfig resolves the shared AWS configuration. The SNS, Secrets
// Manager and SSM clients are built from the same value.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
			awsconfig.WithBaseEndpoint(cfg.Endpoint),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Timeout > 0 {
		awsCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return awsCfg, nil
}

// NewClient creates a DynamoDB client configured from cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{DB: dynamodb.NewFromConfig(awsCfg)}, nil
}

// Operation types.
type (
	GetItemInput             = dynamodb.GetItemInput
	GetItemOutput            = dynamodb.GetItemOutput
	PutItemInput             = dynamodb.PutItemInput
	PutItemOutput            = dynamodb.PutItemOutput
	QueryInput               = dynamodb.QueryInput
	QueryOutput              = dynamodb.QueryOutput
	DeleteItemInput          = dynamodb.DeleteItemInput
	DeleteItemOutput         = dynamodb.DeleteItemOutput
	TransactWriteItemsInput  = dynamodb.TransactWriteItemsInput
	TransactWriteItemsOutput = dynamodb.TransactWriteItemsOutput
	TransactWriteItem        = types.TransactWriteItem
	Put                      = types.Put
	Options                  = dynamodb.Options
)

// Attribute value types.
type (
	AttributeValue           = types.AttributeValue
	AttributeValueMemberS    = types.AttributeValueMemberS
	AttributeValueMemberN    = types.AttributeValueMemberN
	AttributeValueMemberB    = types.AttributeValueMemberB
	AttributeValueMemberBOOL = types.AttributeValueMemberBOOL
)

// ReturnValueAllOld asks DeleteItem to return the deleted item.
const ReturnValueAllOld = types.ReturnValueAllOld

// String returns a pointer to a string value.
var String = aws.String

// Bool returns a pointer to a bool value.
var Bool = aws.Bool

// MarshalMap serializes a Go value into a DynamoDB attribute value map.
var MarshalMap = attributevalue.MarshalMap

// UnmarshalMap deserializes a DynamoDB attribute value map into a Go value.
var UnmarshalMap = attributevalue.UnmarshalMap

// Condition expression building.
type (
	ConditionBuilder = expression.ConditionBuilder
	Expression       = expression.Expression
)

var (
	Name               = expression.Name
	Value              = expression.Value
	AttributeNotExists = expression.AttributeNotExists
)

// BuildCondition compiles cond into an Expression whose Condition, Names
// and Values feed the *ItemInput fields of the same name.
func BuildCondition(cond ConditionBuilder) (Expression, error) {
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return Expression{}, fmt.Errorf("build condition expression: %w", err)
	}
	return expr, nil
}

// IsConditionalCheckFailed reports whether err is a DynamoDB
// ConditionalCheckFailedException.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ErrConditionalCheckFailed returns a ConditionalCheckFailedException for tests.
func ErrConditionalCheckFailed() error {
	return &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
	}
}

// ErrTransactionCanceled returns a TransactionCanceledException for tests.
// Each code corresponds to a transaction item; empty means that item succeeded.
func ErrTransactionCanceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, code := range codes {
		if code != "" {
			c := code
			reasons[i] = types.CancellationReason{Code: &c}
		}
	}
	msg := "Transaction cancelled"
	return &types.TransactionCanceledException{
		Message:             &msg,
		CancellationReasons: reasons,
	}
}

// IsTransactionCanceledException reports whether err is a DynamoDB
// TransactionCanceledException and returns one reason code per item.
func IsTransactionCanceledException(err error) ([]string, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	reasons := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			reasons[i] = *r.Code
		}
	}
	return reasons, true
}
