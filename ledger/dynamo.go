package ledger

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoLedger stores committed rounds as DynamoDB items, letting several
// machines share one merge sequence safely. Conditional writes give the
// compare-and-swap semantics a shared filesystem lacks.
//
// Table schema:
//   - Partition key: base_uri (string) - the merge output identity
//   - Sort key: bucket (number) - the committed bucket index
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name shardedup-rounds \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=bucket,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=bucket,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoLedger struct {
	client    DDBClient
	tableName string
	baseURI   string
}

// NewDynamoLedger creates a DynamoDB-backed ledger. baseURI identifies
// the merge output (e.g. "s3://bucket/dedup/merge") and is the partition
// key for all of its rounds.
func NewDynamoLedger(client DDBClient, tableName, baseURI string) *DynamoLedger {
	return &DynamoLedger{
		client:    client,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

func (l *DynamoLedger) key(bucket int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"base_uri": &types.AttributeValueMemberS{Value: l.baseURI},
		"bucket":   &types.AttributeValueMemberN{Value: strconv.Itoa(bucket)},
	}
}

// Committed implements Ledger.
func (l *DynamoLedger) Committed(ctx context.Context, bucket int) (bool, error) {
	resp, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            l.key(bucket),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	return len(resp.Item) > 0, nil
}

// Commit implements Ledger. A conditional write makes the first committer
// win; losing the race just means another worker already committed the
// identical round, which is not an error.
func (l *DynamoLedger) Commit(ctx context.Context, bucket int) error {
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                l.key(bucket),
		ConditionExpression: aws.String("attribute_not_exists(base_uri)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return err
	}
	return nil
}

// Buckets implements Ledger.
func (l *DynamoLedger) Buckets(ctx context.Context) ([]int, error) {
	var buckets []int

	var lastKey map[string]types.AttributeValue
	for {
		resp, err := l.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(l.tableName),
			KeyConditionExpression: aws.String("base_uri = :uri"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uri": &types.AttributeValueMemberS{Value: l.baseURI},
			},
			ExclusiveStartKey: lastKey,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			n, ok := item["bucket"].(*types.AttributeValueMemberN)
			if !ok {
				continue
			}
			b, err := strconv.Atoi(n.Value)
			if err != nil {
				return nil, err
			}
			buckets = append(buckets, b)
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		lastKey = resp.LastEvaluatedKey
	}

	sort.Ints(buckets)
	return buckets, nil
}
