package recall

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/codeGROOVE-dev/retry"
	"github.com/jonboulle/clockwork"
)

// DynamoAPI captures the subset of DynamoDB client methods used by the store.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Item attributes: k key, v scalar bytes, n counter, l list, ea expiry (unix ms).
type dynamoStore struct {
	client DynamoAPI
	table  string
	prefix string
	clock  clockwork.Clock
}

const (
	dynamoEnsureTableMaxAttempts = 20
	dynamoEnsureTableRetryDelay  = 150 * time.Millisecond
	dynamoEnsureTableMaxDelay    = 2 * time.Second
	dynamoBatchWriteLimit        = 25
	dynamoMaxCASAttempts         = 16
)

func newDynamoStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.DynamoClient == nil {
		client, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		cfg.DynamoClient = client
	}
	if err := ensureDynamoTable(ctx, cfg.DynamoClient, cfg.DynamoTable); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &dynamoStore{
		client: cfg.DynamoClient,
		table:  cfg.DynamoTable,
		prefix: cfg.Prefix,
		clock:  clock,
	}, nil
}

func newDynamoClient(ctx context.Context, cfg StoreConfig) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.DynamoRegion)}
	if cfg.DynamoEndpoint != "" {
		// dynamodb-local accepts any credentials.
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DynamoEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.DynamoEndpoint, HostnameImmutable: true}, nil
		})
		awsCfg.EndpointResolverWithOptions = resolver
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func (s *dynamoStore) Driver() Driver { return DriverDynamo }

func (s *dynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if _, isList := item["l"]; isList {
		return nil, false, fmt.Errorf("cache key %q holds a list", key)
	}
	if n, isCounter := item["n"].(*types.AttributeValueMemberN); isCounter {
		return []byte(n.Value), true, nil
	}
	v, ok := item["v"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, errors.New("dynamodb item missing binary value")
	}
	return cloneBytes(v.Value), true, nil
}

func (s *dynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := map[string]types.AttributeValue{
		"k": s.keyAttr(key),
		"v": &types.AttributeValueMemberB{Value: cloneBytes(value)},
	}
	if ttl > 0 {
		exp := s.clock.Now().Add(ttl).UnixMilli()
		item["ea"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

// Increment uses an atomic ADD on the counter attribute. Items written by Set
// hold their number as bytes and are converted with a conditional put first.
func (s *dynamoStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	for attempt := 0; attempt < dynamoMaxCASAttempts; attempt++ {
		out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 map[string]types.AttributeValue{"k": s.keyAttr(key)},
			UpdateExpression:    aws.String("ADD n :d"),
			ConditionExpression: aws.String("attribute_not_exists(v) AND attribute_not_exists(l)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":d": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
		if err == nil {
			n, ok := out.Attributes["n"].(*types.AttributeValueMemberN)
			if !ok {
				return 0, errors.New("dynamodb update returned no counter")
			}
			return strconv.ParseInt(n.Value, 10, 64)
		}
		if !isConditionFailed(err) {
			return 0, err
		}

		item, ok, err := s.load(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		v, isScalar := item["v"].(*types.AttributeValueMemberB)
		if !isScalar {
			return 0, fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
		}
		current, err := strconv.ParseInt(string(v.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
		}
		next := current + delta
		converted := map[string]types.AttributeValue{
			"k": s.keyAttr(key),
			"n": &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		}
		if ea, ok := item["ea"]; ok {
			converted["ea"] = ea
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                converted,
			ConditionExpression: aws.String("v = :old"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":old": &types.AttributeValueMemberB{Value: v.Value},
			},
		})
		if err == nil {
			return next, nil
		}
		if !isConditionFailed(err) {
			return 0, err
		}
	}
	return 0, errors.New("dynamodb increment exceeded retry limit")
}

func (s *dynamoStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{"k": s.keyAttr(key)},
		UpdateExpression:    aws.String("SET l = list_append(if_not_exists(l, :empty), :v)"),
		ConditionExpression: aws.String("attribute_not_exists(v) AND attribute_not_exists(n)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":v": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberB{Value: cloneBytes(value)},
			}},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, fmt.Errorf("cache key %q holds a scalar value", key)
		}
		return 0, err
	}
	l, ok := out.Attributes["l"].(*types.AttributeValueMemberL)
	if !ok {
		return 0, errors.New("dynamodb update returned no list")
	}
	return int64(len(l.Value)), nil
}

func (s *dynamoStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	item, ok, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	l, isList := item["l"].(*types.AttributeValueMemberL)
	if !isList {
		return nil, fmt.Errorf("cache key %q holds a scalar value", key)
	}
	items := make([][]byte, 0, len(l.Value))
	for _, av := range l.Value {
		b, ok := av.(*types.AttributeValueMemberB)
		if !ok {
			return nil, errors.New("dynamodb list element is not binary")
		}
		items = append(items, b.Value)
	}
	return sliceRange(items, start, stop), nil
}

func (s *dynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{"k": s.keyAttr(key)},
	})
	return err
}

func (s *dynamoStore) DeleteMany(ctx context.Context, keys ...string) error {
	cacheKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		cacheKeys = append(cacheKeys, s.cacheKey(k))
	}
	return s.deleteRaw(ctx, cacheKeys)
}

func (s *dynamoStore) Flush(ctx context.Context) error {
	var lastEvaluatedKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("k"),
			FilterExpression:     aws.String("begins_with(k, :p)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: s.cacheKey("")},
			},
			ExclusiveStartKey: lastEvaluatedKey,
		})
		if err != nil {
			return err
		}
		var keys []string
		for _, item := range out.Items {
			if kv, ok := item["k"].(*types.AttributeValueMemberS); ok {
				keys = append(keys, kv.Value)
			}
		}
		if err := s.deleteRaw(ctx, keys); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		lastEvaluatedKey = out.LastEvaluatedKey
	}
}

func (s *dynamoStore) deleteRaw(ctx context.Context, cacheKeys []string) error {
	for len(cacheKeys) > 0 {
		n := min(len(cacheKeys), dynamoBatchWriteLimit)
		writes := make([]types.WriteRequest, 0, n)
		for _, k := range cacheKeys[:n] {
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: k}},
				},
			})
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: writes},
		}); err != nil {
			return err
		}
		cacheKeys = cacheKeys[n:]
	}
	return nil
}

// load fetches the raw item, deleting it when its expiry has passed.
func (s *dynamoStore) load(ctx context.Context, key string) (map[string]types.AttributeValue, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"k": s.keyAttr(key)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, err
	}
	if out.Item == nil {
		return nil, false, nil
	}
	if s.expired(out.Item) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return out.Item, true, nil
}

func (s *dynamoStore) keyAttr(key string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.cacheKey(key)}
}

func (s *dynamoStore) cacheKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *dynamoStore) expired(item map[string]types.AttributeValue) bool {
	av, ok := item["ea"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return false
	}
	return s.clock.Now().UnixMilli() > exp
}

func isConditionFailed(err error) bool {
	var cce *types.ConditionalCheckFailedException
	return errors.As(err, &cce)
}

func ensureDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	err := retry.Do(
		func() error {
			_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
			if err == nil {
				return nil
			}
			var rnfe *types.ResourceNotFoundException
			if !errors.As(err, &rnfe) {
				return err
			}
			_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
				TableName: aws.String(table),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("k"), KeyType: types.KeyTypeHash},
				},
				AttributeDefinitions: []types.AttributeDefinition{
					{AttributeName: aws.String("k"), AttributeType: types.ScalarAttributeTypeS},
				},
				BillingMode: types.BillingModePayPerRequest,
			})
			var inUse *types.ResourceInUseException
			if errors.As(err, &inUse) {
				return nil
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(dynamoEnsureTableMaxAttempts),
		retry.Delay(dynamoEnsureTableRetryDelay),
		retry.MaxDelay(dynamoEnsureTableMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isDynamoStartupRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("ensure dynamo table %q: %w", table, err)
	}
	return nil
}

// isDynamoStartupRetryable matches transport errors seen while dynamodb-local boots.
func isDynamoStartupRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request send failed") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}
