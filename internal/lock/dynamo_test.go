package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo evaluates the two condition expressions the locker sends.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]lockItem
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var item lockItem
	if err := attributevalue.UnmarshalMap(in.Item, &item); err != nil {
		return nil, err
	}
	nowAttr := in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN)
	now, _ := strconv.ParseInt(nowAttr.Value, 10, 64)
	if cur, ok := f.items[item.Key]; ok && cur.ExpiresAt >= now {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[item.Key] = item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["lock_key"].(*types.AttributeValueMemberS).Value
	tok := in.ExpressionAttributeValues[":tok"].(*types.AttributeValueMemberS).Value
	cur, ok := f.items[key]
	if !ok || cur.Token != tok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoLocker_AcquireRelease(t *testing.T) {
	fake := &fakeDynamo{items: map[string]lockItem{}}
	l := newDynamoLocker(fake, "locks")
	ctx := context.Background()

	held, err := l.Acquire(ctx, "jobstep:allocate", nonBlocking(time.Minute))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "jobstep:allocate", nonBlocking(time.Minute)); !errors.Is(err, ErrUnableToGetLock) {
		t.Fatalf("expected ErrUnableToGetLock, got %v", err)
	}
	l.Release(ctx, held)
	if _, err := l.Acquire(ctx, "jobstep:allocate", nonBlocking(time.Minute)); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestDynamoLocker_ExpiredHolderLosesKey(t *testing.T) {
	fake := &fakeDynamo{items: map[string]lockItem{}}
	l := newDynamoLocker(fake, "locks")
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", nonBlocking(time.Second))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now = now.Add(2 * time.Second)
	current, err := l.Acquire(ctx, "k", nonBlocking(time.Minute))
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	l.Release(ctx, stale)
	if got := fake.items["k"].Token; got != current.Token {
		t.Fatalf("stale release removed the current lock: token %q want %q", got, current.Token)
	}
}
