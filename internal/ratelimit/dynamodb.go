package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixClient = "CLIENT#"
	skPrefixWindow = "WINDOW#"
	hitsAttr       = "hits"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDBLimiter.
// Defined here for testability.
type dynamodbAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBLimiter keeps one item per client and window. The table needs a
// string PK and SK and should have TTL enabled on "ttl".
type DynamoDBLimiter struct {
	api       dynamodbAPI
	tableName string
	window    Window
}

func NewDynamoDBLimiter(api dynamodbAPI, tableName string, window Window) (*DynamoDBLimiter, error) {
	if api == nil {
		return nil, errors.New("ratelimit: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("ratelimit: table name must not be empty")
	}
	if err := window.validate(); err != nil {
		return nil, err
	}
	return &DynamoDBLimiter{api: api, tableName: tableName, window: window}, nil
}

// clientPK returns the partition key for a client.
func clientPK(clientID string) string {
	return pkPrefixClient + clientID
}

// windowSK returns the sort key for a window.
func windowSK(id string) string {
	return skPrefixWindow + id
}

// Allow atomically increments the client's counter for the current window and
// reports whether it is still within the limit.
func (l *DynamoDBLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	clientID, err := normalizeClientID(clientID)
	if err != nil {
		return false, err
	}
	ts := now()

	out, err := l.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: clientPK(clientID)},
			"SK": &types.AttributeValueMemberS{Value: windowSK(windowID(l.window, ts))},
		},
		UpdateExpression: aws.String("ADD #hits :one SET #ttl = if_not_exists(#ttl, :ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#hits": hitsAttr,
			"#ttl":  "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(l.window.expiry(ts).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: Allow update item: %w", err)
	}
	if out == nil {
		return false, errors.New("ratelimit: Allow: empty update output")
	}

	hits, err := intAttr(out.Attributes, hitsAttr)
	if err != nil {
		return false, fmt.Errorf("ratelimit: Allow decode hits: %w", err)
	}
	return hits <= l.window.Limit, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("ratelimit: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("ratelimit: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
