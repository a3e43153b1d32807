package usage

import (
	"context"
	"fmt"
	"time"
)

// HistoryEntry is one processing run recorded for a customer. The admission
// engine reads these; uploads append them.
type HistoryEntry struct {
	ID         string    `json:"processingHistoryId"`
	CustomerID string    `json:"customerId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	PolicyID   string    `json:"policyId"`
	PolicyName string    `json:"policyName"`
	UsageBytes int64     `json:"usageAmountBytes"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QueryParams bounds a processing-history read.
type QueryParams struct {
	CustomerID string
	Limit      int32
}

// HistoryStore reads processing history, most recent first.
type HistoryStore interface {
	QueryProcessingHistory(ctx context.Context, params QueryParams) ([]HistoryEntry, error)
}

type Logger interface {
	Printf(string, ...any)
}

// FetchError reports a failed processing-history read. The caller decides
// whether to retry or refuse the upload; the aggregator does neither.
type FetchError struct {
	CustomerID string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch usage for customer %s: %v", e.CustomerID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DefaultPageLimit caps the history rows read per check. A tenant with more
// rows than this in one month is under-counted.
const DefaultPageLimit = 1000

// Aggregator sums a customer's processing volume for the current UTC
// calendar month.
type Aggregator struct {
	store     HistoryStore
	log       Logger
	pageLimit int32

	now func() time.Time
}

func NewAggregator(store HistoryStore, log Logger, pageLimit int32) *Aggregator {
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	return &Aggregator{
		store:     store,
		log:       log,
		pageLimit: pageLimit,
		now:       time.Now,
	}
}

// CurrentUsage returns the customer's consumed bytes since the first instant
// of the current month. Entries without a recorded size count as zero.
func (a *Aggregator) CurrentUsage(ctx context.Context, customerID string) (int64, error) {
	entries, err := a.store.QueryProcessingHistory(ctx, QueryParams{CustomerID: customerID, Limit: a.pageLimit})
	if err != nil {
		return 0, &FetchError{CustomerID: customerID, Err: err}
	}
	if int32(len(entries)) >= a.pageLimit {
		a.log.Printf("processing history page full for customer %s (%d rows); monthly usage may be under-counted", customerID, len(entries))
	}

	now := a.now().UTC()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var total int64
	for _, entry := range entries {
		if entry.CreatedAt.Before(startOfMonth) {
			continue
		}
		if entry.UsageBytes > 0 {
			total += entry.UsageBytes
		}
	}
	return total, nil
}
