// Package dynamodb provides a ports.ConditionalStore backed by an Amazon
// DynamoDB table. Conditional writes map onto condition expressions and the
// TTL attribute is the one the table's TTL feature is configured with.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// DefaultRegion is used when neither the config nor the environment names one.
	DefaultRegion = "us-east-1"
	// LocalEndpoint is where DynamoDB Local listens by default.
	LocalEndpoint = "http://localhost:8000"
)

// API is the subset of the DynamoDB client the Store calls.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Config selects the DynamoDB endpoint.
type Config struct {
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// UseLocal points the client at DynamoDB Local with static credentials.
	UseLocal bool `mapstructure:"use_local" yaml:"use_local"`
}

// Store implements ports.ConditionalStore on DynamoDB.
type Store struct {
	api    API
	schema ports.Schema
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithSchema sets the table and attribute names.
func WithSchema(schema ports.Schema) Option {
	return func(s *Store) {
		s.schema = schema.WithDefaults()
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store over an existing client.
func New(api API, opts ...Option) *Store {
	s := &Store{
		api:    api,
		schema: ports.DefaultSchema(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect loads the default AWS configuration and builds a client from it.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	endpoint := cfg.Endpoint
	if cfg.UseLocal {
		if endpoint == "" {
			endpoint = LocalEndpoint
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, opts...), nil
}

// Get performs a strongly consistent read. DynamoDB deletes expired items
// lazily, so an item past its TTL is filtered here.
func (s *Store) Get(ctx context.Context, key string) (ports.Item, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.schema.Collection),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get item: %w", classify(err))
	}
	if out.Item == nil {
		return nil, false, nil
	}

	item, err := fromAttributes(out.Item)
	if err != nil {
		return nil, false, err
	}
	if !s.schema.Live(item, s.now()) {
		return nil, false, nil
	}
	return item, true, nil
}

// PutIfAbsent writes item unless a live item exists under key.
func (s *Store) PutIfAbsent(ctx context.Context, key string, item ports.Item) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.schema.Collection),
		Item:                      s.toAttributes(key, item),
		ConditionExpression:       aws.String("attribute_not_exists(#k) OR #t <= :now"),
		ExpressionAttributeNames:  s.names(),
		ExpressionAttributeValues: s.nowValue(),
	})
	if err != nil {
		return fmt.Errorf("failed to put item: %w", classify(err))
	}
	return nil
}

// PutIfPresent replaces the live item under key.
func (s *Store) PutIfPresent(ctx context.Context, key string, item ports.Item) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.schema.Collection),
		Item:                      s.toAttributes(key, item),
		ConditionExpression:       aws.String(liveCondition),
		ExpressionAttributeNames:  s.names(),
		ExpressionAttributeValues: s.nowValue(),
	})
	if err != nil {
		return fmt.Errorf("failed to replace item: %w", classify(err))
	}
	return nil
}

// SetAttribute sets one attribute on the live item under key.
func (s *Store) SetAttribute(ctx context.Context, key, name, value string) error {
	if name == s.schema.KeyField {
		return fmt.Errorf("dynamodb store cannot rewrite key attribute %q", name)
	}
	names := s.names()
	names["#a"] = name
	values := s.nowValue()
	values[":v"] = s.attribute(name, value)

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.schema.Collection),
		Key:                       s.key(key),
		UpdateExpression:          aws.String("SET #a = :v"),
		ConditionExpression:       aws.String(liveCondition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("failed to update item: %w", classify(err))
	}
	return nil
}

// Delete removes the item under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.schema.Collection),
		Key:       s.key(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", classify(err))
	}
	return nil
}

const liveCondition = "attribute_exists(#k) AND (attribute_not_exists(#t) OR #t > :now)"

func (s *Store) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.schema.KeyField: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) names() map[string]string {
	return map[string]string{
		"#k": s.schema.KeyField,
		"#t": s.schema.TTLField,
	}
}

func (s *Store) nowValue() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: ports.FormatExpiry(s.now())},
	}
}

// attribute types the TTL as a number, which the TTL feature requires.
func (s *Store) attribute(name, value string) types.AttributeValue {
	if name == s.schema.TTLField {
		return &types.AttributeValueMemberN{Value: value}
	}
	return &types.AttributeValueMemberS{Value: value}
}

func (s *Store) toAttributes(key string, item ports.Item) map[string]types.AttributeValue {
	av := make(map[string]types.AttributeValue, len(item)+1)
	for name, value := range item {
		av[name] = s.attribute(name, value)
	}
	av[s.schema.KeyField] = &types.AttributeValueMemberS{Value: key}
	return av
}

func fromAttributes(av map[string]types.AttributeValue) (ports.Item, error) {
	item := make(ports.Item, len(av))
	for name, v := range av {
		switch v := v.(type) {
		case *types.AttributeValueMemberS:
			item[name] = v.Value
		case *types.AttributeValueMemberN:
			item[name] = v.Value
		default:
			return nil, domain.Deserialization(fmt.Errorf("attribute %q has unsupported type %T", name, v))
		}
	}
	return item, nil
}

// classify maps a failed condition expression onto ErrConditionFailed.
func classify(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return domain.ErrConditionFailed
	}
	return err
}
