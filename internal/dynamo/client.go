// Package dynamo wraps DynamoDB for the application's single-table design:
// every entity and index record lives in one table keyed by (pk, sk).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appconfig "app/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// ErrStore is the single failure kind for underlying store errors. The
// original AWS message is carried in the wrapped error text; callers never
// see transport-level error types.
var ErrStore = errors.New("store failure")

// ErrConditionFailed is returned by Update when the expected attribute values
// no longer hold at write time.
var ErrConditionFailed = errors.New("condition failed")

// Item is a single table row: pk, sk and arbitrary attributes.
type Item map[string]any

// API is the subset of the DynamoDB client the adapter uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client is the key-value store adapter over one logical table.
type Client struct {
	api   API
	table string
	now   func() int64
}

// NewClient returns an adapter over the given API and table.
func NewClient(api API, table string) *Client {
	return &Client{
		api:   api,
		table: table,
		now:   func() int64 { return time.Now().Unix() },
	}
}

// NewFromConfig builds a DynamoDB client from application config, with static
// credentials and an endpoint override when configured.
func NewFromConfig(ctx context.Context, cfg *appconfig.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	})
	return NewClient(api, cfg.DynamoTableName), nil
}

// Put writes an item, stamping created_at (epoch seconds) if absent. An
// existing created_at is never overwritten. Returns the stored item.
func (c *Client) Put(ctx context.Context, item Item) (Item, error) {
	stored := make(Item, len(item)+1)
	for k, v := range item {
		stored[k] = v
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = c.now()
	}

	av, err := encodeItem(stored)
	if err != nil {
		return nil, err
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	})
	if err != nil {
		return nil, storeError("put item", err)
	}
	return stored, nil
}

// Get fetches a single item by primary key. Returns nil when absent.
func (c *Client) Get(ctx context.Context, pk, sk string) (Item, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       key(pk, sk),
	})
	if err != nil {
		return nil, storeError("get item", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeItem(out.Item)
}

// Query returns items under a partition key, optionally restricted to a sort
// key prefix. The cursor is the sort key of the last item from the previous
// page; an empty returned cursor means no more pages.
func (c *Client) Query(ctx context.Context, pk, skPrefix string, limit int32, cursor string) ([]Item, string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}
	if skPrefix != "" {
		in.KeyConditionExpression = aws.String("pk = :pk AND begins_with(sk, :sk_prefix)")
		in.ExpressionAttributeValues[":sk_prefix"] = &types.AttributeValueMemberS{Value: skPrefix}
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	if cursor != "" {
		in.ExclusiveStartKey = key(pk, cursor)
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, "", storeError("query items", err)
	}
	items, err := decodeItems(out.Items)
	if err != nil {
		return nil, "", err
	}
	return items, nextCursor(out.LastEvaluatedKey), nil
}

// QueryIndex queries a secondary index by partition key and optional exact
// sort key.
func (c *Client) QueryIndex(ctx context.Context, index, pk, sk string, limit int32, cursor string) ([]Item, string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	}
	if sk != "" {
		in.KeyConditionExpression = aws.String("pk = :pk AND sk = :sk")
		in.ExpressionAttributeValues[":sk"] = &types.AttributeValueMemberS{Value: sk}
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	if cursor != "" {
		in.ExclusiveStartKey = key(pk, cursor)
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, "", storeError("query index", err)
	}
	items, err := decodeItems(out.Items)
	if err != nil {
		return nil, "", err
	}
	return items, nextCursor(out.LastEvaluatedKey), nil
}

// SoftDelete marks an item deleted by stamping deleted_at. The row is
// retained; readers filter on the field.
func (c *Client) SoftDelete(ctx context.Context, pk, sk string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.table),
		Key:              key(pk, sk),
		UpdateExpression: aws.String("SET deleted_at = :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberN{Value: formatInt(c.now())},
		},
	})
	if err != nil {
		return storeError("delete item", err)
	}
	return nil
}

// Update sets the given attributes iff every attribute in expected still has
// its expected value. A nil expected map makes the write unconditional.
// Returns ErrConditionFailed when the guard does not hold.
func (c *Client) Update(ctx context.Context, pk, sk string, updates, expected Item) error {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}

	set := "SET "
	for i, field := range sortedKeys(updates) {
		av, err := encodeValue(updates[field])
		if err != nil {
			return err
		}
		if i > 0 {
			set += ", "
		}
		set += fmt.Sprintf("#u%d = :u%d", i, i)
		names[fmt.Sprintf("#u%d", i)] = field
		values[fmt.Sprintf(":u%d", i)] = av
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       key(pk, sk),
		UpdateExpression:          aws.String(set),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	if len(expected) > 0 {
		cond := ""
		for i, field := range sortedKeys(expected) {
			av, err := encodeValue(expected[field])
			if err != nil {
				return err
			}
			if i > 0 {
				cond += " AND "
			}
			cond += fmt.Sprintf("#c%d = :c%d", i, i)
			names[fmt.Sprintf("#c%d", i)] = field
			values[fmt.Sprintf(":c%d", i)] = av
		}
		in.ConditionExpression = aws.String(cond)
	}

	_, err := c.api.UpdateItem(ctx, in)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: %s %s", ErrConditionFailed, pk, sk)
		}
		return storeError("update item", err)
	}
	return nil
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func nextCursor(lastKey map[string]types.AttributeValue) string {
	if sk, ok := lastKey["sk"].(*types.AttributeValueMemberS); ok {
		return sk.Value
	}
	return ""
}

func decodeItems(raw []map[string]types.AttributeValue) ([]Item, error) {
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		item, err := decodeItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func sortedKeys(m Item) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func storeError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %s", ErrStore, op, apiErr.ErrorMessage())
	}
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}
