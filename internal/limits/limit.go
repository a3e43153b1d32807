package limits

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quotagate/internal/bytesize"
)

// ErrNotFound is returned by limit stores when no record matches.
var ErrNotFound = errors.New("usage limit not found")

// ExceedAction selects what happens once a limit is exceeded.
type ExceedAction string

const (
	// ActionNotify emails the configured recipients but allows the upload.
	ActionNotify ExceedAction = "notify"

	// ActionRestrict blocks further uploads.
	ActionRestrict ExceedAction = "restrict"
)

func (a ExceedAction) Valid() bool {
	return a == ActionNotify || a == ActionRestrict
}

// Unit is a data-volume unit accepted on usage-typed limits.
type Unit string

const (
	UnitKB Unit = "KB"
	UnitMB Unit = "MB"
	UnitGB Unit = "GB"
	UnitTB Unit = "TB"
)

// Multiplier returns the byte multiplier for the unit, or false for any
// value outside the accepted set.
func (u Unit) Multiplier() (int64, bool) {
	switch u {
	case UnitKB:
		return bytesize.KB, true
	case UnitMB:
		return bytesize.MB, true
	case UnitGB:
		return bytesize.GB, true
	case UnitTB:
		return bytesize.TB, true
	}
	return 0, false
}

// Threshold is the limit's trigger value: either a data volume or a monetary
// amount, never both.
type Threshold interface {
	// Describe renders the threshold for user-facing messages, e.g. "10 GB"
	// or "$50".
	Describe() string

	sealed()
}

// DataVolume is a usage-typed threshold.
type DataVolume struct {
	Value float64
	Unit  Unit
}

func (DataVolume) sealed() {}

func (v DataVolume) Describe() string {
	return trimFloat(v.Value) + " " + string(v.Unit)
}

// MonetaryAmount is an amount-typed threshold in currency units.
type MonetaryAmount struct {
	Value float64
}

func (MonetaryAmount) sealed() {}

func (a MonetaryAmount) Describe() string {
	return "$" + trimFloat(a.Value)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// UsageLimit is a tenant-configured quota rule.
type UsageLimit struct {
	ID           string
	CustomerID   string
	Threshold    Threshold
	ExceedAction ExceedAction
	Emails       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the structural invariants of a rule before it is stored.
func (l UsageLimit) Validate() error {
	if strings.TrimSpace(l.CustomerID) == "" {
		return errors.New("customerId is required")
	}
	if !l.ExceedAction.Valid() {
		return fmt.Errorf("exceedAction must be %q or %q", ActionNotify, ActionRestrict)
	}
	switch t := l.Threshold.(type) {
	case DataVolume:
		if t.Value <= 0 {
			return errors.New("usageLimitValue must be positive")
		}
		if _, ok := t.Unit.Multiplier(); !ok {
			return fmt.Errorf("usageUnit %q is not supported", t.Unit)
		}
	case MonetaryAmount:
		if t.Value <= 0 {
			return errors.New("amountLimitValue must be positive")
		}
	default:
		return errors.New("either a usage threshold or an amount threshold is required")
	}
	if len(l.Emails) == 0 {
		return errors.New("at least one notification email is required")
	}
	for _, addr := range l.Emails {
		if strings.TrimSpace(addr) == "" {
			return errors.New("notification emails must be non-empty")
		}
	}
	return nil
}

// limitJSON is the flat wire shape shared with the stores and the HTTP API.
type limitJSON struct {
	ID               string    `json:"usageLimitId"`
	CustomerID       string    `json:"customerId"`
	UsageLimitValue  *float64  `json:"usageLimitValue,omitempty"`
	UsageUnit        *string   `json:"usageUnit,omitempty"`
	AmountLimitValue *float64  `json:"amountLimitValue,omitempty"`
	ExceedAction     string    `json:"exceedAction"`
	Emails           []string  `json:"emails"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (l UsageLimit) MarshalJSON() ([]byte, error) {
	out := limitJSON{
		ID:           l.ID,
		CustomerID:   l.CustomerID,
		ExceedAction: string(l.ExceedAction),
		Emails:       l.Emails,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
	switch t := l.Threshold.(type) {
	case DataVolume:
		unit := string(t.Unit)
		out.UsageLimitValue = &t.Value
		out.UsageUnit = &unit
	case MonetaryAmount:
		out.AmountLimitValue = &t.Value
	}
	return json.Marshal(out)
}

func (l *UsageLimit) UnmarshalJSON(data []byte) error {
	var in limitJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	threshold, err := NewThreshold(in.UsageLimitValue, in.UsageUnit, in.AmountLimitValue)
	if err != nil {
		return err
	}
	*l = UsageLimit{
		ID:           in.ID,
		CustomerID:   in.CustomerID,
		Threshold:    threshold,
		ExceedAction: ExceedAction(in.ExceedAction),
		Emails:       in.Emails,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.UpdatedAt,
	}
	return nil
}

// NewThreshold builds the threshold union from the flat optional-field
// representation used on the wire and in the stores. A record carrying both
// representations is rejected; a record carrying neither yields a nil
// threshold, which Validate rejects.
func NewThreshold(usageValue *float64, usageUnit *string, amountValue *float64) (Threshold, error) {
	hasUsage := usageValue != nil && usageUnit != nil
	hasAmount := amountValue != nil
	switch {
	case hasUsage && hasAmount:
		return nil, errors.New("limit cannot carry both a usage and an amount threshold")
	case hasUsage:
		return DataVolume{Value: *usageValue, Unit: Unit(strings.ToUpper(*usageUnit))}, nil
	case hasAmount:
		return MonetaryAmount{Value: *amountValue}, nil
	}
	return nil, nil
}

// DescribeLimits joins the threshold descriptions of the given rules for
// notification text, e.g. "10 GB, $50".
func DescribeLimits(rules []UsageLimit) string {
	parts := make([]string, 0, len(rules))
	for _, l := range rules {
		if l.Threshold == nil {
			continue
		}
		parts = append(parts, l.Threshold.Describe())
	}
	return strings.Join(parts, ", ")
}
