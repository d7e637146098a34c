package kvstore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDB.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type dynamoItem struct {
	Key   string `dynamodbav:"key"`
	Value []byte `dynamodbav:"value"`
	// ExpiresAt is the table's ttl attribute, unix seconds. Zero means none.
	ExpiresAt int64 `dynamodbav:"expires_at,omitempty"`
}

// DynamoDB stores one item per key in a table with string partition key
// "key". The ttl hint feeds table TTL; items are returned until the table
// removes them.
type DynamoDB struct {
	client DynamoDBAPI
	table  string
	now    func() time.Time
}

func NewDynamoDB(client DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table, now: time.Now}
}

func (d *DynamoDB) keyAttr(key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"key": &ddbtypes.AttributeValueMemberS{Value: key},
	}
}

func (d *DynamoDB) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "dynamodb get %s", key)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, xerrors.Wrapf(err, "unmarshal dynamodb item %s", key)
	}
	return it.Value, nil
}

func (d *DynamoDB) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	it := dynamoItem{Key: key, Value: value}
	it.ExpiresAt = reclaimAt(d.now(), ttl)
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return xerrors.Wrapf(err, "marshal dynamodb item %s", key)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		return xerrors.Wrapf(err, "dynamodb put %s", key)
	}
	return nil
}

// Delete is unconditional; DynamoDB reports success for missing items.
func (d *DynamoDB) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.keyAttr(key),
	}); err != nil {
		return xerrors.Wrapf(err, "dynamodb delete %s", key)
	}
	return nil
}

// Ping describes the table, which fails on missing table or permissions.
func (d *DynamoDB) Ping(ctx context.Context) error {
	if _, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	}); err != nil {
		return xerrors.Wrapf(err, "dynamodb describe table %s", d.table)
	}
	return nil
}
