package s3

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDDB implements DDBClient in memory with conditional-write semantics.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]ddbtypes.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: map[string]map[string]ddbtypes.AttributeValue{}}
}

func itemKey(item map[string]ddbtypes.AttributeValue) string {
	return item["name"].(*ddbtypes.AttributeValueMemberS).Value
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemKey(params.Item)
	existing, exists := f.items[key]

	if params.ConditionExpression != nil {
		switch *params.ConditionExpression {
		case "attribute_not_exists(#n)":
			if exists {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			}
		case "version = :expected":
			if !exists {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			}
			want := params.ExpressionAttributeValues[":expected"].(*ddbtypes.AttributeValueMemberN).Value
			got := existing["version"].(*ddbtypes.AttributeValueMemberN).Value
			if want != got {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			}
		}
	}

	f.items[key] = params.Item

	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := params.Key["name"].(*ddbtypes.AttributeValueMemberS).Value
	item, ok := f.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}

	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, params.Key["name"].(*ddbtypes.AttributeValueMemberS).Value)

	return &dynamodb.DeleteItemOutput{}, nil
}

func TestPointerStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	ps := NewPointerStore(newFakeDDB(), "pointers")

	got, err := ps.Get(ctx, "engine-a")
	require.NoError(t, err)
	require.Nil(t, got)

	ptr, err := ps.Set(ctx, "engine-a", "snapshots/000001.snap", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), ptr.Version)

	got, err = ps.Get(ctx, "engine-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "snapshots/000001.snap", got.Manifest)
	require.Equal(t, int64(1), got.Version)
}

func TestPointerStore_ConcurrentModification(t *testing.T) {
	ctx := context.Background()
	ps := NewPointerStore(newFakeDDB(), "pointers")

	_, err := ps.Set(ctx, "engine-a", "snapshots/000001.snap", 0)
	require.NoError(t, err)

	// A second creation must fail.
	_, err = ps.Set(ctx, "engine-a", "snapshots/000002.snap", 0)
	require.ErrorIs(t, err, ErrConcurrentModification)

	// An update with a stale version must fail.
	_, err = ps.Set(ctx, "engine-a", "snapshots/000002.snap", 7)
	require.ErrorIs(t, err, ErrConcurrentModification)

	// An update with the current version succeeds.
	ptr, err := ps.Set(ctx, "engine-a", "snapshots/000002.snap", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), ptr.Version)
}

func TestPointerStore_Remove(t *testing.T) {
	ctx := context.Background()
	ps := NewPointerStore(newFakeDDB(), "pointers")

	_, err := ps.Set(ctx, "engine-a", "snapshots/000001.snap", 0)
	require.NoError(t, err)
	require.NoError(t, ps.Remove(ctx, "engine-a"))

	got, err := ps.Get(ctx, "engine-a")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPointerStore_VersionMonotonic(t *testing.T) {
	ctx := context.Background()
	ps := NewPointerStore(newFakeDDB(), "pointers")

	var version int64
	for i := 1; i <= 5; i++ {
		ptr, err := ps.Set(ctx, "engine-a", "snapshots/"+strconv.Itoa(i)+".snap", version)
		require.NoError(t, err)
		version = ptr.Version
	}
	require.Equal(t, int64(5), version)
}
