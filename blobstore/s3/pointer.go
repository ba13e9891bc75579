package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentModification is returned when a conditional pointer update
// loses a race against another writer.
var ErrConcurrentModification = errors.New("concurrent pointer modification")

// DDBClient is the subset of the DynamoDB API used by PointerStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Pointer names the current manifest blob for an engine instance.
type Pointer struct {
	Manifest  string
	Version   int64
	UpdatedAt time.Time
}

// PointerStore keeps a single "current manifest" pointer per engine name in
// DynamoDB. S3 has no atomic compare-and-swap, so pointer flips go through a
// conditional write here while the blobs themselves live in S3.
type PointerStore struct {
	client DDBClient
	table  string
}

// NewPointerStore creates a pointer store backed by the given DynamoDB table.
// The table's partition key must be a string attribute named "name".
func NewPointerStore(client DDBClient, table string) *PointerStore {
	return &PointerStore{client: client, table: table}
}

// Get returns the current pointer for the named engine, or nil if none exists.
func (p *PointerStore) Get(ctx context.Context, name string) (*Pointer, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.table),
		Key:            map[string]ddbtypes.AttributeValue{"name": &ddbtypes.AttributeValueMemberS{Value: name}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}

	return itemToPointer(out.Item)
}

// Set flips the current pointer to manifest. expected is the version read via
// Get; pass 0 when creating the first pointer. Lost races return
// ErrConcurrentModification.
func (p *PointerStore) Set(ctx context.Context, name, manifest string, expected int64) (*Pointer, error) {
	next := Pointer{
		Manifest:  manifest,
		Version:   expected + 1,
		UpdatedAt: time.Now().UTC(),
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]ddbtypes.AttributeValue{
			"name":       &ddbtypes.AttributeValueMemberS{Value: name},
			"manifest":   &ddbtypes.AttributeValueMemberS{Value: next.Manifest},
			"version":    &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(next.Version, 10)},
			"updated_at": &ddbtypes.AttributeValueMemberS{Value: next.UpdatedAt.Format(time.RFC3339Nano)},
		},
	}

	if expected == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(#n)")
		input.ExpressionAttributeNames = map[string]string{"#n": "name"}
	} else {
		input.ConditionExpression = aws.String("version = :expected")
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":expected": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}

	if _, err := p.client.PutItem(ctx, input); err != nil {
		var cfe *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}

	return &next, nil
}

// Remove deletes the pointer for the named engine.
func (p *PointerStore) Remove(ctx context.Context, name string) error {
	_, err := p.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key:       map[string]ddbtypes.AttributeValue{"name": &ddbtypes.AttributeValueMemberS{Value: name}},
	})
	return err
}

func itemToPointer(item map[string]ddbtypes.AttributeValue) (*Pointer, error) {
	ptr := &Pointer{}

	if v, ok := item["manifest"].(*ddbtypes.AttributeValueMemberS); ok {
		ptr.Manifest = v.Value
	} else {
		return nil, fmt.Errorf("pointer item missing manifest attribute")
	}

	if v, ok := item["version"].(*ddbtypes.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid pointer version: %w", err)
		}
		ptr.Version = n
	}

	if v, ok := item["updated_at"].(*ddbtypes.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			ptr.UpdatedAt = t
		}
	}

	return ptr, nil
}
