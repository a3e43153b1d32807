package dynamo

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"quotagate/internal/limits"
	"quotagate/internal/usage"
)

type fakeDynamoClient struct {
	queryIn   *dynamodb.QueryInput
	queryOut  *dynamodb.QueryOutput
	queryErr  error
	putIn     *dynamodb.PutItemInput
	putErr    error
	deleteIn  *dynamodb.DeleteItemInput
	deleteErr error
}

func (f *fakeDynamoClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIn = params
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryOut != nil {
		return f.queryOut, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamoClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putIn = params
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteIn = params
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func testConfig() Config {
	return Config{
		LimitsTable:          "usage-limits",
		LimitsCustomerIndex:  "customerId-index",
		HistoryTable:         "processing-history",
		HistoryCustomerIndex: "customerId-createdAt-index",
	}
}

func TestQueryUsageLimitsDecodesThreshold(t *testing.T) {
	value := 10.0
	unit := "GB"
	item, err := attributevalue.MarshalMap(limitRecord{
		ID:              "lim-1",
		CustomerID:      "acme",
		UsageLimitValue: &value,
		UsageUnit:       &unit,
		ExceedAction:    "restrict",
		Emails:          []string{"ops@acme.com"},
		CreatedAt:       "2026-08-01T00:00:00Z",
		UpdatedAt:       "2026-08-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	client := &fakeDynamoClient{queryOut: &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{item}}}
	store := New(client, testConfig())

	got, err := store.QueryUsageLimits(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 limit, got %d", len(got))
	}
	if got[0].Threshold != (limits.DataVolume{Value: 10, Unit: limits.UnitGB}) {
		t.Fatalf("threshold = %#v", got[0].Threshold)
	}
	if *client.queryIn.IndexName != "customerId-index" {
		t.Fatalf("IndexName = %q", *client.queryIn.IndexName)
	}
}

func TestInsertUsageLimitConditionalPut(t *testing.T) {
	client := &fakeDynamoClient{}
	store := New(client, testConfig())
	err := store.InsertUsageLimit(context.Background(), limits.UsageLimit{
		ID:           "lim-1",
		CustomerID:   "acme",
		Threshold:    limits.MonetaryAmount{Value: 50},
		ExceedAction: limits.ActionNotify,
		Emails:       []string{"a@x.com"},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *client.putIn.ConditionExpression != "attribute_not_exists(usageLimitId)" {
		t.Fatalf("ConditionExpression = %q", *client.putIn.ConditionExpression)
	}
	if _, ok := client.putIn.Item["amountLimitValue"]; !ok {
		t.Fatal("amountLimitValue missing from item")
	}
	if _, ok := client.putIn.Item["usageLimitValue"]; ok {
		t.Fatal("usage fields present on an amount-typed limit")
	}
}

func TestUpdateUsageLimitMapsMissingToNotFound(t *testing.T) {
	client := &fakeDynamoClient{putErr: &ddbtypes.ConditionalCheckFailedException{}}
	store := New(client, testConfig())
	err := store.UpdateUsageLimit(context.Background(), limits.UsageLimit{
		ID: "lim-1", CustomerID: "acme",
		Threshold:    limits.DataVolume{Value: 1, Unit: limits.UnitGB},
		ExceedAction: limits.ActionNotify,
		Emails:       []string{"a@x.com"},
	})
	if err != limits.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUsageLimitScopedToCustomer(t *testing.T) {
	client := &fakeDynamoClient{}
	store := New(client, testConfig())
	if err := store.DeleteUsageLimit(context.Background(), "acme", "lim-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *client.deleteIn.ConditionExpression != "customerId = :cid" {
		t.Fatalf("ConditionExpression = %q", *client.deleteIn.ConditionExpression)
	}
}

func TestQueryProcessingHistoryBounded(t *testing.T) {
	item, err := attributevalue.MarshalMap(historyRecord{
		ID:         "ph-1",
		CustomerID: "acme",
		UsageBytes: 42,
		Status:     "completed",
		CreatedAt:  "2026-08-10T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	client := &fakeDynamoClient{queryOut: &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{item}}}
	store := New(client, testConfig())

	entries, err := store.QueryProcessingHistory(context.Background(), usage.QueryParams{CustomerID: "acme", Limit: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].UsageBytes != 42 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("createdAt not parsed")
	}
	if *client.queryIn.Limit != 1000 {
		t.Fatalf("Limit = %d", *client.queryIn.Limit)
	}
	if *client.queryIn.ScanIndexForward {
		t.Fatal("history should be read most recent first")
	}
}
