package adapter

import (
	"context"
	"fmt"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/dynamo"
	"github.com/aelexs/identity-service/internal/identity/app"
)

const (
	phoneIndex = "phone-index"
	emailIndex = "email-index"

	// Sentinel items live in the customers table under these prefixes and
	// carry no phone/email attribute, so the sparse GSIs skip them.
	phoneSentinelPrefix = "phone#"
	emailSentinelPrefix = "email#"
)

// directoryDynamoDB is the subset of the DynamoDB client used by the
// directory. The *dynamodb.Client satisfies it.
type directoryDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// customerItem is the item shape of the customers table.
type customerItem struct {
	CustomerID string `dynamodbav:"customer_id"`
	Phone      string `dynamodbav:"phone,omitempty"`
	Email      string `dynamodbav:"email,omitempty"`
	Name       string `dynamodbav:"name,omitempty"`
	CreatedAt  int64  `dynamodbav:"created_at"`
}

// sentinelItem reserves a phone or email. Key reuses the table's partition
// key attribute; Owner is the customer holding the reservation.
type sentinelItem struct {
	Key   string `dynamodbav:"customer_id"`
	Owner string `dynamodbav:"owner"`
}

func (i customerItem) toDomain() *domain.Customer {
	return &domain.Customer{
		ID:        i.CustomerID,
		Phone:     i.Phone,
		Email:     i.Email,
		Name:      i.Name,
		CreatedAt: i.CreatedAt,
	}
}

var _ app.Directory = (*DynamoDirectory)(nil)

// DynamoDirectory is the customer directory in DynamoDB. Phone and email
// uniqueness is enforced by sentinel items written in the same transaction
// as the customer.
type DynamoDirectory struct {
	db        directoryDynamoDB
	tableName string
	clock     domain.Clock
}

// NewDynamoDirectory creates a DynamoDirectory on tableName.
func NewDynamoDirectory(db directoryDynamoDB, tableName string, clock domain.Clock) *DynamoDirectory {
	return &DynamoDirectory{db: db, tableName: tableName, clock: clock}
}

// LookupByPhone finds a customer by E.164 phone via phone-index.
func (d *DynamoDirectory) LookupByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.directory.lookup_phone", "Query")
	defer span.End()

	c, err := d.lookup(ctx, phoneIndex, "phone", phone)
	if err != nil && !domain.IsNotFound(err) {
		return nil, spanError(span, err)
	}
	return c, err
}

// LookupByEmail finds a customer by normalized email via email-index.
func (d *DynamoDirectory) LookupByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.directory.lookup_email", "Query")
	defer span.End()

	c, err := d.lookup(ctx, emailIndex, "email", email)
	if err != nil && !domain.IsNotFound(err) {
		return nil, spanError(span, err)
	}
	return c, err
}

// lookup queries the GSI for the customer id, then fetches the full item
// with a consistent read. The GSI itself is eventually consistent.
func (d *DynamoDirectory) lookup(ctx context.Context, index, attr, value string) (*domain.Customer, error) {
	keyExpr := attr + " = :v"
	indexName := index

	out, err := d.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &d.tableName,
		IndexName:              &indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":v": &dynamo.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("directory: query %s: %w", index, err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("directory: %s: %w", index, domain.ErrNotFound)
	}

	var projected struct {
		CustomerID string `dynamodbav:"customer_id"`
	}
	if err := dynamo.UnmarshalMap(out.Items[0], &projected); err != nil {
		return nil, fmt.Errorf("directory: unmarshal %s projection: %w", index, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("directory: %s: %w", index, err)
	}

	return d.getByID(ctx, projected.CustomerID)
}

func (d *DynamoDirectory) getByID(ctx context.Context, id string) (*domain.Customer, error) {
	out, err := d.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &d.tableName,
		Key: map[string]dynamo.AttributeValue{
			"customer_id": &dynamo.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: get %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("directory: get %s: %w", id, domain.ErrNotFound)
	}

	var item customerItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("directory: unmarshal customer: %w", err)
	}
	return item.toDomain(), nil
}

// CreateCustomer writes the customer with its phone sentinel and, when an
// email is given, its email sentinel in one transaction. A taken phone or
// email fails the whole write with domain.ErrAlreadyExists.
func (d *DynamoDirectory) CreateCustomer(ctx context.Context, nc app.NewCustomer) (*domain.Customer, error) {
	ctx, span := startDynamoSpan(ctx, "dynamo.directory.create_customer", "TransactWriteItems")
	defer span.End()

	if nc.Phone == "" {
		return nil, fmt.Errorf("directory: create customer: phone required: %w", domain.ErrInvalidInput)
	}

	item := customerItem{
		CustomerID: domain.GenerateCustomerID().String(),
		Phone:      nc.Phone,
		Email:      nc.Email,
		Name:       nc.Name,
		CreatedAt:  domain.NowUTCMillis(d.clock),
	}

	customerPut, err := d.conditionalPut(item, "customer_id")
	if err != nil {
		return nil, err
	}
	phonePut, err := d.conditionalPut(sentinelItem{Key: phoneSentinelPrefix + nc.Phone, Owner: item.CustomerID}, "customer_id")
	if err != nil {
		return nil, err
	}

	items := []dynamo.TransactWriteItem{customerPut, phonePut}
	names := []string{"customer_put", "phone_sentinel"}
	if nc.Email != "" {
		emailPut, err := d.conditionalPut(sentinelItem{Key: emailSentinelPrefix + nc.Email, Owner: item.CustomerID}, "customer_id")
		if err != nil {
			return nil, err
		}
		items = append(items, emailPut)
		names = append(names, "email_sentinel")
	}

	_, err = d.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return nil, spanError(span, classifyTxError(err, "create customer", names...))
	}

	return item.toDomain(), nil
}

// conditionalPut builds a Put of v that fails if pkAttr already exists.
func (d *DynamoDirectory) conditionalPut(v any, pkAttr string) (dynamo.TransactWriteItem, error) {
	av, err := dynamo.MarshalMap(v)
	if err != nil {
		return dynamo.TransactWriteItem{}, fmt.Errorf("directory: marshal: %w", err)
	}
	expr, err := dynamo.BuildCondition(dynamo.AttributeNotExists(dynamo.Name(pkAttr)))
	if err != nil {
		return dynamo.TransactWriteItem{}, err
	}
	return dynamo.TransactWriteItem{
		Put: &dynamo.Put{
			TableName:                &d.tableName,
			Item:                     av,
			ConditionExpression:      expr.Condition(),
			ExpressionAttributeNames: expr.Names(),
		},
	}, nil
}

// classifyTxError maps a ConditionalCheckFailed cancellation reason to
// domain.ErrAlreadyExists, naming the item that collided.
func classifyTxError(err error, op string, itemNames ...string) error {
	reasons, ok := dynamo.IsTransactionCanceledException(err)
	if !ok {
		return fmt.Errorf("directory: %s: %w", op, err)
	}

	for i, reason := range reasons {
		if reason == "ConditionalCheckFailed" {
			name := "unknown"
			if i < len(itemNames) {
				name = itemNames[i]
			}
			return fmt.Errorf("directory: %s: item %d (%s) condition failed: %w",
				op, i, name, domain.ErrAlreadyExists)
		}
	}

	return fmt.Errorf("directory: %s: transaction canceled: %w", op, err)
}
