package admission

import (
	"context"
	"time"

	"quotagate/internal/limits"
)

type UsageSource interface {
	CurrentUsage(ctx context.Context, customerID string) (int64, error)
}

type Logger interface {
	Printf(string, ...any)
}

type Metrics interface {
	ObserveAdmissionCheck(duration time.Duration, outcome string)
	RecordUsageFetchError()
}

// Checker combines usage aggregation with limit evaluation into the
// admission verdict for one prospective upload. It never dispatches
// notifications itself; honoring ShouldNotify is the caller's job so the
// decision and the email side effects stay independently testable and
// retryable.
type Checker struct {
	usage   UsageSource
	eval    *limits.Evaluator
	log     Logger
	metrics Metrics
}

func NewChecker(usage UsageSource, eval *limits.Evaluator, log Logger, metrics Metrics) *Checker {
	return &Checker{usage: usage, eval: eval, log: log, metrics: metrics}
}

// Check aggregates the customer's monthly usage and evaluates the given
// rules against it. A failed usage read returns a *usage.FetchError; no
// admission verdict is guessed in that case.
func (c *Checker) Check(ctx context.Context, customerID string, additionalBytes int64, notifyLimits, restrictLimits []limits.UsageLimit) (limits.Evaluation, error) {
	start := time.Now()

	current, err := c.usage.CurrentUsage(ctx, customerID)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordUsageFetchError()
			c.metrics.ObserveAdmissionCheck(time.Since(start), "error")
		}
		return limits.Evaluation{}, err
	}

	eval := c.eval.Evaluate(current, additionalBytes, notifyLimits, restrictLimits)

	outcome := "allowed"
	if !eval.CanUpload {
		outcome = "restricted"
	}
	if c.metrics != nil {
		c.metrics.ObserveAdmissionCheck(time.Since(start), outcome)
	}
	c.log.Printf("admission check for customer %s: current=%d additional=%d outcome=%s notify=%t",
		customerID, current, additionalBytes, outcome, eval.ShouldNotify)

	return eval, nil
}

// APIResult is the envelope the upload flow consumes.
type APIResult struct {
	Success bool                `json:"success"`
	Data    *limits.Evaluation  `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// CheckUsageLimits wraps Check in the API envelope: fetch failures become a
// success=false result instead of an error.
func (c *Checker) CheckUsageLimits(ctx context.Context, customerID string, additionalBytes int64, notifyLimits, restrictLimits []limits.UsageLimit) APIResult {
	eval, err := c.Check(ctx, customerID, additionalBytes, notifyLimits, restrictLimits)
	if err != nil {
		return APIResult{
			Success: false,
			Message: "usage could not be determined",
			Errors:  map[string][]string{"usage": {err.Error()}},
		}
	}
	msg := "upload can proceed"
	if !eval.CanUpload {
		msg = "restrict limit reached"
	}
	return APIResult{Success: true, Data: &eval, Message: msg}
}
