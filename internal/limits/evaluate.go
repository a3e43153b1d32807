package limits

import (
	"fmt"
	"math"
)

// Exceeding lists the rules a projected upload would exceed, grouped by
// action, for auditing and notification text.
type Exceeding struct {
	Notify   []UsageLimit `json:"notify"`
	Restrict []UsageLimit `json:"restrict"`
}

// Evaluation is the verdict for one prospective upload. It is computed fresh
// on every check and not persisted.
type Evaluation struct {
	CanUpload         bool      `json:"canUpload"`
	ShouldNotify      bool      `json:"shouldNotify"`
	NotifyEmails      []string  `json:"notifyEmails"`
	RestrictReason    string    `json:"restrictReason,omitempty"`
	CurrentUsageBytes int64     `json:"currentUsageBytes"`
	Exceeding         Exceeding `json:"exceedingLimits"`
}

// Evaluator applies a tenant's quota rules to projected usage.
type Evaluator struct {
	conv Converter
}

func NewEvaluator(conv Converter) *Evaluator {
	return &Evaluator{conv: conv}
}

// Evaluate decides whether an upload of incomingBytes may proceed given the
// tenant's current monthly usage and configured rules.
//
// Restrict rules are checked first and short-circuit: when any is exceeded,
// the verdict blocks the upload, names the most restrictive (smallest byte
// threshold) rule, and notify rules are never consulted. A rule is exceeded
// only when the projected usage is strictly greater than its threshold;
// rules whose threshold cannot be converted to bytes are skipped.
func (e *Evaluator) Evaluate(currentUsageBytes, incomingBytes int64, notifyLimits, restrictLimits []UsageLimit) Evaluation {
	projected := currentUsageBytes + incomingBytes

	exceededRestrict := []UsageLimit{}
	var binding UsageLimit
	bindingBytes := int64(math.MaxInt64)
	for _, l := range restrictLimits {
		limitBytes, ok := e.conv.LimitBytes(l)
		if !ok {
			continue
		}
		if projected > limitBytes {
			exceededRestrict = append(exceededRestrict, l)
			if limitBytes < bindingBytes {
				bindingBytes = limitBytes
				binding = l
			}
		}
	}
	if len(exceededRestrict) > 0 {
		return Evaluation{
			CanUpload:    false,
			ShouldNotify: false,
			NotifyEmails: []string{},
			RestrictReason: fmt.Sprintf(
				"Upload blocked: usage would exceed the restrict limit (%s).",
				binding.Threshold.Describe()),
			CurrentUsageBytes: currentUsageBytes,
			Exceeding:         Exceeding{Notify: []UsageLimit{}, Restrict: exceededRestrict},
		}
	}

	exceededNotify := []UsageLimit{}
	emails := []string{}
	seen := make(map[string]struct{})
	for _, l := range notifyLimits {
		limitBytes, ok := e.conv.LimitBytes(l)
		if !ok {
			continue
		}
		if projected > limitBytes {
			exceededNotify = append(exceededNotify, l)
			for _, addr := range l.Emails {
				if _, dup := seen[addr]; dup {
					continue
				}
				seen[addr] = struct{}{}
				emails = append(emails, addr)
			}
		}
	}

	return Evaluation{
		CanUpload:         true,
		ShouldNotify:      len(exceededNotify) > 0,
		NotifyEmails:      emails,
		CurrentUsageBytes: currentUsageBytes,
		Exceeding:         Exceeding{Notify: exceededNotify, Restrict: []UsageLimit{}},
	}
}
