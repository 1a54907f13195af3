package recall

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jonboulle/clockwork"
)

// dynStub understands exactly the expressions dynamoStore issues.
type dynStub struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	describeErrs []error
	created      int
	batchSizes   []int
	getErr       error
	updateErr    error
}

func newDynStub() *dynStub { return &dynStub{items: map[string]map[string]types.AttributeValue{}} }

func (d *dynStub) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return nil, d.getErr
	}
	key := in.Key["k"].(*types.AttributeValueMemberS).Value
	item, ok := d.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *dynStub) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := in.Item["k"].(*types.AttributeValueMemberS).Value
	if aws.ToString(in.ConditionExpression) == "v = :old" {
		existing, ok := d.items[key]["v"].(*types.AttributeValueMemberB)
		want := in.ExpressionAttributeValues[":old"].(*types.AttributeValueMemberB)
		if !ok || string(existing.Value) != string(want.Value) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	d.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (d *dynStub) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return nil, d.updateErr
	}
	key := in.Key["k"].(*types.AttributeValueMemberS).Value
	item, exists := d.items[key]
	if !exists {
		item = map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: key}}
	}
	for _, clause := range strings.Split(aws.ToString(in.ConditionExpression), " AND ") {
		attr := strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")")
		if _, ok := item[attr]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	switch aws.ToString(in.UpdateExpression) {
	case "ADD n :d":
		delta, _ := strconv.ParseInt(in.ExpressionAttributeValues[":d"].(*types.AttributeValueMemberN).Value, 10, 64)
		current := int64(0)
		if n, ok := item["n"].(*types.AttributeValueMemberN); ok {
			current, _ = strconv.ParseInt(n.Value, 10, 64)
		}
		item["n"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
		d.items[key] = item
		return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"n": item["n"]}}, nil
	case "SET l = list_append(if_not_exists(l, :empty), :v)":
		var list []types.AttributeValue
		if l, ok := item["l"].(*types.AttributeValueMemberL); ok {
			list = append(list, l.Value...)
		}
		list = append(list, in.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberL).Value...)
		item["l"] = &types.AttributeValueMemberL{Value: list}
		d.items[key] = item
		return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"l": item["l"]}}, nil
	}
	return nil, errors.New("dynStub: unsupported update expression")
}

func (d *dynStub) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := in.Key["k"].(*types.AttributeValueMemberS).Value
	delete(d.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (d *dynStub) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, writes := range in.RequestItems {
		d.batchSizes = append(d.batchSizes, len(writes))
		for _, wr := range writes {
			if dr := wr.DeleteRequest; dr != nil {
				key := dr.Key["k"].(*types.AttributeValueMemberS).Value
				delete(d.items, key)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (d *dynStub) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := ""
	if p, ok := in.ExpressionAttributeValues[":p"].(*types.AttributeValueMemberS); ok {
		prefix = p.Value
	}
	var items []map[string]types.AttributeValue
	for k := range d.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		items = append(items, map[string]types.AttributeValue{
			"k": &types.AttributeValueMemberS{Value: k},
		})
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func (d *dynStub) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	return &dynamodb.CreateTableOutput{}, nil
}

func (d *dynStub) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.describeErrs) > 0 {
		err := d.describeErrs[0]
		d.describeErrs = d.describeErrs[1:]
		return nil, err
	}
	if d.created > 0 {
		return &dynamodb.DescribeTableOutput{}, nil
	}
	return nil, &types.ResourceNotFoundException{}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func newTestDynamoStore(t *testing.T, stub *dynStub, clock clockwork.Clock) Store {
	t.Helper()
	store, err := newDynamoStore(context.Background(), StoreConfig{
		DynamoClient: stub,
		DynamoTable:  "tbl",
		Prefix:       "p",
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("store create failed: %v", err)
	}
	return store
}

func TestDynamoStoreBasicOperations(t *testing.T) {
	stub := newDynStub()
	store := newTestDynamoStore(t, stub, nil)
	if stub.created != 1 {
		t.Fatalf("expected table to be created once, got %d", stub.created)
	}

	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok := stub.items["p:k"]["ea"]; ok {
		t.Fatalf("expected no expiry attribute for ttl 0")
	}
	body, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(body) != "v" {
		t.Fatalf("get failed: ok=%v err=%v val=%s", ok, err, string(body))
	}

	if val, err := store.Increment(ctx, "n", 2); err != nil || val != 2 {
		t.Fatalf("increment failed: %v val=%d", err, val)
	}
	body, ok, err = store.Get(ctx, "n")
	if err != nil || !ok || string(body) != "2" {
		t.Fatalf("expected counter readable as text, ok=%v err=%v body=%q", ok, err, body)
	}
	if _, err := store.Increment(ctx, "k", 1); !errors.Is(err, ErrNotNumeric) {
		t.Fatalf("expected ErrNotNumeric, got %v", err)
	}

	for i, v := range []string{"a", "b", "c"} {
		n, err := store.Append(ctx, "log", []byte(v))
		if err != nil || n != int64(i+1) {
			t.Fatalf("append %s: n=%d err=%v", v, n, err)
		}
	}
	items, err := store.Range(ctx, "log", -2, -1)
	if err != nil || len(items) != 2 || string(items[0]) != "b" || string(items[1]) != "c" {
		t.Fatalf("unexpected range: %q err=%v", items, err)
	}
	if _, err := store.Append(ctx, "n", []byte("x")); err == nil {
		t.Fatalf("expected append to counter to fail")
	}
	if _, _, err := store.Get(ctx, "log"); err == nil {
		t.Fatalf("expected get of list to fail")
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	stub.items["other:keep"] = map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: "other:keep"}}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if len(stub.items) != 1 {
		t.Fatalf("expected only foreign key to survive flush, got %d items", len(stub.items))
	}
}

func TestDynamoStoreIncrementConvertsSetNumber(t *testing.T) {
	ctx := context.Background()
	store := newTestDynamoStore(t, newDynStub(), nil)
	if err := store.Set(ctx, "n", []byte("40"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, err := store.Increment(ctx, "n", 2)
	if err != nil || val != 42 {
		t.Fatalf("expected 42, got %d err=%v", val, err)
	}
	val, err = store.Increment(ctx, "n", 1)
	if err != nil || val != 43 {
		t.Fatalf("expected 43, got %d err=%v", val, err)
	}
}

func TestDynamoStoreExpiryWithFakeClock(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	stub := newDynStub()
	store := newTestDynamoStore(t, stub, clock)

	if err := store.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	clock.Advance(1500 * time.Millisecond)
	if _, ok, err := store.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected expiry; ok=%v err=%v", ok, err)
	}
	if _, ok := stub.items["p:k"]; ok {
		t.Fatalf("expected expired item deleted")
	}
}

func TestDynamoStoreDeleteManyBatches(t *testing.T) {
	ctx := context.Background()
	stub := newDynStub()
	store := newTestDynamoStore(t, stub, nil)
	keys := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		key := "k" + strconv.Itoa(i)
		keys = append(keys, key)
		if err := store.Set(ctx, key, []byte("v"), 0); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	if err := store.DeleteMany(ctx, keys...); err != nil {
		t.Fatalf("delete many failed: %v", err)
	}
	if len(stub.items) != 0 {
		t.Fatalf("expected all items deleted, %d left", len(stub.items))
	}
	for _, n := range stub.batchSizes {
		if n > dynamoBatchWriteLimit {
			t.Fatalf("batch of %d exceeds limit", n)
		}
	}
	if len(stub.batchSizes) != 3 {
		t.Fatalf("expected 3 batches, got %v", stub.batchSizes)
	}
}

func TestDynamoEnsureTableRetriesStartupErrors(t *testing.T) {
	stub := newDynStub()
	stub.describeErrs = []error{errors.New("connection refused"), errors.New("EOF")}
	if err := ensureDynamoTable(context.Background(), stub, "tbl"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if stub.created != 1 {
		t.Fatalf("expected table created after retries, got %d", stub.created)
	}
}

func TestDynamoEnsureTableStopsOnPermanentError(t *testing.T) {
	stub := newDynStub()
	stub.describeErrs = []error{errors.New("access denied"), errors.New("connection refused")}
	err := ensureDynamoTable(context.Background(), stub, "tbl")
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDynamoStoreErrorPropagation(t *testing.T) {
	ctx := context.Background()
	stub := newDynStub()
	store := newTestDynamoStore(t, stub, nil)

	stub.getErr = errors.New("get")
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("expected get error")
	}
	if _, err := store.Range(ctx, "k", 0, -1); err == nil {
		t.Fatalf("expected range error")
	}
	stub.getErr = nil

	stub.updateErr = errors.New("update")
	if _, err := store.Increment(ctx, "k", 1); err == nil {
		t.Fatalf("expected increment error")
	}
	if _, err := store.Append(ctx, "k", []byte("v")); err == nil {
		t.Fatalf("expected append error")
	}
}
