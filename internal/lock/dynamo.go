package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the slice of the DynamoDB client the locker needs.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type lockItem struct {
	Key       string `dynamodbav:"lock_key"`
	Token     string `dynamodbav:"token"`
	ExpiresAt int64  `dynamodbav:"expires_at"` // epoch ms
}

// DynamoLocker keeps one item per held lock in a table keyed by lock_key.
// Expiry is enforced by the acquire condition, not by DynamoDB TTL, which
// may lag by hours.
type DynamoLocker struct {
	db        dynamoAPI
	tableName string
	now       func() time.Time
}

func NewDynamoLocker(ctx context.Context, region, table, endpoint string) (*DynamoLocker, error) {
	if table == "" {
		return nil, fmt.Errorf("DYNAMO_LOCK_TABLE is required")
	}
	if region == "" {
		region = "us-east-2"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newDynamoLocker(client, table), nil
}

func newDynamoLocker(db dynamoAPI, table string) *DynamoLocker {
	return &DynamoLocker{db: db, tableName: table, now: time.Now}
}

func (d *DynamoLocker) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	return acquire(ctx, key, opts, d.tryPut)
}

func (d *DynamoLocker) tryPut(ctx context.Context, key, token string, hold time.Duration) (bool, error) {
	now := d.now()
	item, err := attributevalue.MarshalMap(lockItem{
		Key:       key,
		Token:     token,
		ExpiresAt: now.Add(hold).UnixMilli(),
	})
	if err != nil {
		return false, err
	}

	_, err = d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,

		// Take the key if nobody holds it or the holder's lease ran out
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DynamoLocker) Release(ctx context.Context, l *Lock) {
	if l == nil {
		return
	}
	held := time.Since(l.AcquiredAt)
	_, err := d.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: l.Key},
		},
		ConditionExpression: aws.String("#tok = :tok"),
		ExpressionAttributeNames: map[string]string{
			"#tok": "token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": &types.AttributeValueMemberS{Value: l.Token},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			log.Printf("lock: release of expired lock key=%s held=%s hold=%s", l.Key, held, l.Hold)
			return
		}
		log.Printf("lock: release failed key=%s held=%s err=%v", l.Key, held, err)
	}
}
