package lockdao

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/ddb/v2"
)

const (
	lockSK     = "LOCK"
	lockPrefix = "lock/"
)

// PK represents the partition key: lock/{name}
type PK string

// NewPK creates a partition key from a lock name
func NewPK(name string) PK {
	return PK(lockPrefix + name)
}

// ParsePK returns the lock name of a partition key
func ParsePK(pk PK) (name string, err error) {
	s := string(pk)
	if !strings.HasPrefix(s, lockPrefix) || len(s) == len(lockPrefix) {
		return "", fmt.Errorf("invalid PK format: %s, expected lock/{name}", s)
	}
	return strings.TrimPrefix(s, lockPrefix), nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// Record represents a held lease
type Record struct {
	PK         PK     `ddb:"hash" dynamodbav:"pk"`  // lock/{name}
	SK         string `ddb:"range" dynamodbav:"sk"` // Always "LOCK"
	Holder     string `dynamodbav:"holder"`         // KSUID of the invocation holding the lease
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"` // lease may be taken over after this
	TTL        int64  `dynamodbav:"ttl"`
}

// DAO provides leases that expire on their own. Leases live in the jobs table
// under their own partition keys.
type DAO struct {
	client    *dynamodb.Client
	table     *ddb.Table
	tableName string
	now       func() time.Time
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		client:    client,
		table:     table,
		tableName: tableName,
		now:       time.Now,
	}
}

// Acquire takes the named lease for ttl. It returns false when another holder has an
// unexpired lease. A holder acquiring again extends its own lease.
func (d *DAO) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := d.now()
	expiresAt := now.Add(ttl).Unix()

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			"pk":          &types.AttributeValueMemberS{Value: NewPK(name).String()},
			"sk":          &types.AttributeValueMemberS{Value: lockSK},
			"holder":      &types.AttributeValueMemberS{Value: holder},
			"acquired_at": number(now.Unix()),
			"expires_at":  number(expiresAt),
			"ttl":         number(expiresAt),
		},
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at < :now OR holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    number(now.Unix()),
			":holder": &types.AttributeValueMemberS{Value: holder},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	return true, nil
}

// Release gives up the named lease. Leases held by someone else are left alone.
func (d *DAO) Release(ctx context.Context, name, holder string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: NewPK(name).String()},
			"sk": &types.AttributeValueMemberS{Value: lockSK},
		},
		ConditionExpression: aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder": &types.AttributeValueMemberS{Value: holder},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil
		}
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// Find retrieves a lease by name
// Returns nil if not found
func (d *DAO) Find(ctx context.Context, name string) (*Record, error) {
	var record Record
	err := d.table.Get(NewPK(name).String()).
		Range(lockSK).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		if strings.Contains(err.Error(), "item not found") || strings.Contains(err.Error(), "ItemNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock %s: %w", name, err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, nil
	}

	return &record, nil
}

func number(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
