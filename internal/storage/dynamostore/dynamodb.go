package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend on a DynamoDB table whose partition key
// is the string attribute "k".
type Store struct {
	client    *dynamodb.Client
	tableName string
}

// Options configures Open.
type Options struct {
	Table    string
	Region   string
	Endpoint string // optional, e.g. DynamoDB Local
}

// Open loads the default AWS configuration and returns a Store for opts.Table.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	loaders := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &Store{client: client, tableName: opts.Table}, nil
}

// Get performs a strongly consistent read of key.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"k": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if out.Item == nil {
		return nil, storage.ErrNotFound
	}
	return fromItem(out.Item)
}

// Set replaces the item for key.
func (s *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	item, err := toItem(key, rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}
	return nil
}

// CompareAndSwap puts the item under a condition on the stored revision.
// A missing item fails the condition as well.
func (s *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	item, err := toItem(key, rec)
	if err != nil {
		return false, err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("#rev = :rev"),
		ExpressionAttributeNames: map[string]string{
			"#rev": "rev",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberS{Value: rev},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb conditional put: %w", err)
	}
	return true, nil
}

// Close is a no-op for DynamoDB.
func (s *Store) Close() error {
	return nil
}

// toItem stores the encoded record in "v". "expires_at" is written as epoch
// seconds so the table's TTL feature can reclaim dead items if enabled.
func toItem(key string, rec *storage.Record) (map[string]types.AttributeValue, error) {
	data, err := storage.Encode(rec)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"k":   &types.AttributeValueMemberS{Value: key},
		"v":   &types.AttributeValueMemberS{Value: string(data)},
		"rev": &types.AttributeValueMemberS{Value: rec.Revision},
	}
	if rec.ExpiresAt != nil {
		item["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}
	}
	return item, nil
}

func fromItem(item map[string]types.AttributeValue) (*storage.Record, error) {
	v, ok := item["v"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("dynamodb item missing value attribute")
	}
	return storage.Decode([]byte(v.Value))
}
