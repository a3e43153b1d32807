package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"quotagate/internal/limits"
	"quotagate/internal/usage"
)

// Config captures the configuration necessary to talk to DynamoDB.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	LimitsTable          string
	LimitsCustomerIndex  string
	HistoryTable         string
	HistoryCustomerIndex string
}

// dynamoAPI captures the subset of the AWS SDK we use so it can be mocked in tests.
type dynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store reads and writes usage limits and processing history in DynamoDB.
type Store struct {
	client dynamoAPI
	cfg    Config
}

// Open builds a DynamoDB-backed store from AWS configuration.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Region == "" {
		return nil, errors.New("dynamodb region is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return New(dynamodb.NewFromConfig(awsCfg), cfg), nil
}

// New wraps an existing client; used by Open and by tests.
func New(client dynamoAPI, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

// Ready verifies both tables are reachable.
func (s *Store) Ready(ctx context.Context) error {
	for _, table := range []string{s.cfg.LimitsTable, s.cfg.HistoryTable} {
		if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err != nil {
			return fmt.Errorf("describe table %s: %w", table, err)
		}
	}
	return nil
}

// limitRecord is the flat item shape of the usage-limits table.
type limitRecord struct {
	ID               string   `dynamodbav:"usageLimitId"`
	CustomerID       string   `dynamodbav:"customerId"`
	UsageLimitValue  *float64 `dynamodbav:"usageLimitValue,omitempty"`
	UsageUnit        *string  `dynamodbav:"usageUnit,omitempty"`
	AmountLimitValue *float64 `dynamodbav:"amountLimitValue,omitempty"`
	ExceedAction     string   `dynamodbav:"exceedAction"`
	Emails           []string `dynamodbav:"emails"`
	CreatedAt        string   `dynamodbav:"createdAt"`
	UpdatedAt        string   `dynamodbav:"updatedAt"`
}

func toLimitRecord(l limits.UsageLimit) limitRecord {
	rec := limitRecord{
		ID:           l.ID,
		CustomerID:   l.CustomerID,
		ExceedAction: string(l.ExceedAction),
		Emails:       l.Emails,
		CreatedAt:    l.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    l.UpdatedAt.UTC().Format(time.RFC3339),
	}
	switch t := l.Threshold.(type) {
	case limits.DataVolume:
		unit := string(t.Unit)
		rec.UsageLimitValue = &t.Value
		rec.UsageUnit = &unit
	case limits.MonetaryAmount:
		rec.AmountLimitValue = &t.Value
	}
	return rec
}

func fromLimitRecord(rec limitRecord) (limits.UsageLimit, error) {
	threshold, err := limits.NewThreshold(rec.UsageLimitValue, rec.UsageUnit, rec.AmountLimitValue)
	if err != nil {
		return limits.UsageLimit{}, fmt.Errorf("limit %s: %w", rec.ID, err)
	}
	createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, rec.UpdatedAt)
	return limits.UsageLimit{
		ID:           rec.ID,
		CustomerID:   rec.CustomerID,
		Threshold:    threshold,
		ExceedAction: limits.ExceedAction(rec.ExceedAction),
		Emails:       rec.Emails,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// QueryUsageLimits returns every rule configured for the customer.
func (s *Store) QueryUsageLimits(ctx context.Context, customerID string) ([]limits.UsageLimit, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.LimitsTable),
		IndexName:              aws.String(s.cfg.LimitsCustomerIndex),
		KeyConditionExpression: aws.String("customerId = :cid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cid": &ddbtypes.AttributeValueMemberS{Value: customerID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query usage limits: %w", err)
	}
	var records []limitRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("decode usage limits: %w", err)
	}
	result := make([]limits.UsageLimit, 0, len(records))
	for _, rec := range records {
		l, err := fromLimitRecord(rec)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, nil
}

// InsertUsageLimit stores a new rule; the id must not already exist.
func (s *Store) InsertUsageLimit(ctx context.Context, l limits.UsageLimit) error {
	item, err := attributevalue.MarshalMap(toLimitRecord(l))
	if err != nil {
		return fmt.Errorf("encode usage limit: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.LimitsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(usageLimitId)"),
	})
	if err != nil {
		return fmt.Errorf("put usage limit: %w", err)
	}
	return nil
}

// UpdateUsageLimit replaces an existing rule owned by the same customer.
func (s *Store) UpdateUsageLimit(ctx context.Context, l limits.UsageLimit) error {
	item, err := attributevalue.MarshalMap(toLimitRecord(l))
	if err != nil {
		return fmt.Errorf("encode usage limit: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.LimitsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(usageLimitId) AND customerId = :cid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cid": &ddbtypes.AttributeValueMemberS{Value: l.CustomerID},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return limits.ErrNotFound
		}
		return fmt.Errorf("update usage limit: %w", err)
	}
	return nil
}

// DeleteUsageLimit removes a rule owned by the customer.
func (s *Store) DeleteUsageLimit(ctx context.Context, customerID, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.LimitsTable),
		Key: map[string]ddbtypes.AttributeValue{
			"usageLimitId": &ddbtypes.AttributeValueMemberS{Value: id},
		},
		ConditionExpression: aws.String("customerId = :cid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cid": &ddbtypes.AttributeValueMemberS{Value: customerID},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return limits.ErrNotFound
		}
		return fmt.Errorf("delete usage limit: %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var cond *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &cond)
}

// historyRecord is the flat item shape of the processing-history table.
type historyRecord struct {
	ID         string `dynamodbav:"processingHistoryId"`
	CustomerID string `dynamodbav:"customerId"`
	UserID     string `dynamodbav:"userId"`
	UserName   string `dynamodbav:"userName"`
	PolicyID   string `dynamodbav:"policyId"`
	PolicyName string `dynamodbav:"policyName"`
	UsageBytes int64  `dynamodbav:"usageAmountBytes"`
	Status     string `dynamodbav:"status"`
	CreatedAt  string `dynamodbav:"createdAt"`
}

// QueryProcessingHistory returns up to params.Limit entries for the
// customer, most recent first.
func (s *Store) QueryProcessingHistory(ctx context.Context, params usage.QueryParams) ([]usage.HistoryEntry, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.HistoryTable),
		IndexName:              aws.String(s.cfg.HistoryCustomerIndex),
		KeyConditionExpression: aws.String("customerId = :cid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":cid": &ddbtypes.AttributeValueMemberS{Value: params.CustomerID},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if params.Limit > 0 {
		in.Limit = aws.Int32(params.Limit)
	}
	out, err := s.client.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query processing history: %w", err)
	}
	var records []historyRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("decode processing history: %w", err)
	}
	entries := make([]usage.HistoryEntry, 0, len(records))
	for _, rec := range records {
		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		entries = append(entries, usage.HistoryEntry{
			ID:         rec.ID,
			CustomerID: rec.CustomerID,
			UserID:     rec.UserID,
			UserName:   rec.UserName,
			PolicyID:   rec.PolicyID,
			PolicyName: rec.PolicyName,
			UsageBytes: rec.UsageBytes,
			Status:     rec.Status,
			CreatedAt:  createdAt,
		})
	}
	return entries, nil
}

// InsertProcessingHistory records one processing run.
func (s *Store) InsertProcessingHistory(ctx context.Context, entry usage.HistoryEntry) error {
	item, err := attributevalue.MarshalMap(historyRecord{
		ID:         entry.ID,
		CustomerID: entry.CustomerID,
		UserID:     entry.UserID,
		UserName:   entry.UserName,
		PolicyID:   entry.PolicyID,
		PolicyName: entry.PolicyName,
		UsageBytes: entry.UsageBytes,
		Status:     entry.Status,
		CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode processing history: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.HistoryTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(processingHistoryId)"),
	})
	if err != nil {
		return fmt.Errorf("put processing history: %w", err)
	}
	return nil
}
