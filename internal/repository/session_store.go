package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gotd/td/session"
)

const skState = "STATE"

// dynamodbAPI is the minimal DynamoDB interface required by SessionStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// SessionStore keeps the serialized Telegram session in a DynamoDB table so
// the bridge can run without a writable disk. It implements session.Storage.
type SessionStore struct {
	api       dynamodbAPI
	tableName string
	name      string
	now       func() time.Time
}

var _ session.Storage = (*SessionStore)(nil)

// NewSessionStore creates a store for the session called name in tableName.
func NewSessionStore(api dynamodbAPI, tableName, name string) (*SessionStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("repository: session name must not be empty")
	}
	return &SessionStore{api: api, tableName: tableName, name: name, now: time.Now}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(name string) string {
	return "SESSION#" + name
}

func (s *SessionStore) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(s.name)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// LoadSession returns the stored session bytes or session.ErrNotFound.
func (s *SessionStore) LoadSession(ctx context.Context) ([]byte, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LoadSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, session.ErrNotFound
	}

	v, ok := out.Item["data"]
	if !ok {
		return nil, session.ErrNotFound
	}
	b, ok := v.(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New(`repository: LoadSession: attribute "data" is not binary`)
	}
	if len(b.Value) == 0 {
		return nil, session.ErrNotFound
	}
	return b.Value, nil
}

// StoreSession replaces the stored session bytes.
func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	item := s.key()
	item["data"] = &types.AttributeValueMemberB{Value: data}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: StoreSession: %w", err)
	}
	return nil
}
