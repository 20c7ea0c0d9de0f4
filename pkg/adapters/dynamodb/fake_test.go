package dynamodb_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeTable evaluates the condition expressions the Store issues against an
// in-memory table. It is not a general expression engine.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	calls []any
	err   error
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[keyOf(in.Key)])}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	key := f.findKey(in.Item, in.ExpressionAttributeNames["#k"])
	if err := f.check(key, aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	f.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	key := keyOf(in.Key)
	if err := f.check(key, aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	if aws.ToString(in.UpdateExpression) != "SET #a = :v" {
		return nil, fmt.Errorf("fake: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	f.items[key][in.ExpressionAttributeNames["#a"]] = in.ExpressionAttributeValues[":v"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTable) check(key, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	existing, exists := f.items[key]
	now := number(values[":now"])

	ttl, hasTTL := existing[names["#t"]]
	expired := hasTTL && number(ttl) <= now

	var ok bool
	switch expr {
	case "attribute_not_exists(#k) OR #t <= :now":
		ok = !exists || expired
	case "attribute_exists(#k) AND (attribute_not_exists(#t) OR #t > :now)":
		ok = exists && !expired
	default:
		return fmt.Errorf("fake: unsupported condition %q", expr)
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	return nil
}

func (f *fakeTable) findKey(item map[string]types.AttributeValue, field string) string {
	if s, ok := item[field].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func keyOf(key map[string]types.AttributeValue) string {
	for _, v := range key {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

func number(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	if in == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
