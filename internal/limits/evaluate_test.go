package limits

import (
	"reflect"
	"strings"
	"testing"

	"quotagate/internal/bytesize"
)

func volumeLimit(id string, value float64, unit Unit, action ExceedAction, emails ...string) UsageLimit {
	return UsageLimit{
		ID:           id,
		CustomerID:   "acme",
		Threshold:    DataVolume{Value: value, Unit: unit},
		ExceedAction: action,
		Emails:       emails,
	}
}

func TestEvaluateNoLimits(t *testing.T) {
	ev := NewEvaluator(Converter{})
	got := ev.Evaluate(100, 100, nil, nil)
	if !got.CanUpload || got.ShouldNotify {
		t.Fatalf("expected allow without notification, got %+v", got)
	}
	if len(got.NotifyEmails) != 0 {
		t.Fatalf("expected no notify emails, got %v", got.NotifyEmails)
	}
}

func TestEvaluateBindingLimitIsSmallest(t *testing.T) {
	ev := NewEvaluator(Converter{})
	restrict := []UsageLimit{
		volumeLimit("big", 80, UnitMB, ActionRestrict, "ops@acme.com"),
		volumeLimit("small", 50, UnitMB, ActionRestrict, "ops@acme.com"),
	}
	got := ev.Evaluate(100*bytesize.MB, 0, nil, restrict)
	if got.CanUpload {
		t.Fatal("expected upload to be blocked")
	}
	if !strings.Contains(got.RestrictReason, "50 MB") {
		t.Fatalf("restrict reason %q should reference the 50 MB limit", got.RestrictReason)
	}
	if strings.Contains(got.RestrictReason, "80 MB") {
		t.Fatalf("restrict reason %q references the non-binding limit", got.RestrictReason)
	}
	if len(got.Exceeding.Restrict) != 2 {
		t.Fatalf("expected both exceeded restrict limits reported, got %d", len(got.Exceeding.Restrict))
	}
}

func TestEvaluateEqualToLimitAllows(t *testing.T) {
	ev := NewEvaluator(Converter{})
	restrict := []UsageLimit{volumeLimit("r", 10, UnitGB, ActionRestrict, "ops@acme.com")}
	got := ev.Evaluate(6*bytesize.GB, 4*bytesize.GB, nil, restrict)
	if !got.CanUpload {
		t.Fatal("projected usage equal to the limit must be allowed")
	}
}

func TestEvaluateNotifyEmailsDeduplicated(t *testing.T) {
	ev := NewEvaluator(Converter{})
	notify := []UsageLimit{
		volumeLimit("n1", 10, UnitMB, ActionNotify, "a@x.com", "b@x.com"),
		volumeLimit("n2", 10, UnitMB, ActionNotify, "b@x.com", "c@x.com"),
	}
	got := ev.Evaluate(12*bytesize.MB, 0, notify, nil)
	if !got.CanUpload || !got.ShouldNotify {
		t.Fatalf("expected allow with notification, got %+v", got)
	}
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	if !reflect.DeepEqual(got.NotifyEmails, want) {
		t.Fatalf("NotifyEmails = %v, want %v", got.NotifyEmails, want)
	}
	if len(got.Exceeding.Notify) != 2 {
		t.Fatalf("expected 2 exceeded notify limits, got %d", len(got.Exceeding.Notify))
	}
}

func TestEvaluateRestrictShortCircuitsNotify(t *testing.T) {
	ev := NewEvaluator(Converter{})
	notify := []UsageLimit{volumeLimit("n", 1, UnitMB, ActionNotify, "a@x.com")}
	restrict := []UsageLimit{volumeLimit("r", 2, UnitMB, ActionRestrict, "ops@acme.com")}
	got := ev.Evaluate(5*bytesize.MB, 0, notify, restrict)
	if got.CanUpload {
		t.Fatal("expected upload to be blocked")
	}
	if got.ShouldNotify {
		t.Fatal("restrict verdicts must not trigger notifications")
	}
	if len(got.NotifyEmails) != 0 {
		t.Fatalf("expected no notify emails, got %v", got.NotifyEmails)
	}
	if len(got.Exceeding.Notify) != 0 {
		t.Fatal("notify pass must not run after a restrict verdict")
	}
}

func TestEvaluateInvalidLimitNeverBlocks(t *testing.T) {
	ev := NewEvaluator(Converter{})
	restrict := []UsageLimit{
		volumeLimit("bad", 1, "XB", ActionRestrict, "ops@acme.com"),
		{ID: "amount", CustomerID: "acme", Threshold: MonetaryAmount{Value: 10}, ExceedAction: ActionRestrict, Emails: []string{"ops@acme.com"}},
	}
	got := ev.Evaluate(100*bytesize.TB, 0, nil, restrict)
	if !got.CanUpload {
		t.Fatal("unconvertible limits must be skipped, not treated as exceeded")
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	ev := NewEvaluator(Converter{})
	notify := []UsageLimit{volumeLimit("n", 5, UnitGB, ActionNotify, "a@x.com")}
	restrict := []UsageLimit{volumeLimit("r", 10, UnitGB, ActionRestrict, "ops@acme.com")}
	first := ev.Evaluate(9_000_000_000, 2_000_000_000, notify, restrict)
	second := ev.Evaluate(9_000_000_000, 2_000_000_000, notify, restrict)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("evaluation is not pure: %+v vs %+v", first, second)
	}
}

func TestEvaluateMonotonic(t *testing.T) {
	ev := NewEvaluator(Converter{})
	restrict := []UsageLimit{volumeLimit("r", 10, UnitGB, ActionRestrict, "ops@acme.com")}
	blocked := false
	for incoming := int64(0); incoming <= 20*bytesize.GB; incoming += 2 * bytesize.GB {
		got := ev.Evaluate(5*bytesize.GB, incoming, nil, restrict)
		if blocked && got.CanUpload {
			t.Fatalf("larger upload (%d bytes) allowed after smaller one was blocked", incoming)
		}
		if !got.CanUpload {
			blocked = true
		}
	}
	if !blocked {
		t.Fatal("expected the largest upload to be blocked")
	}
}

func TestEvaluateEndToEndScenario(t *testing.T) {
	ev := NewEvaluator(Converter{})
	notify := []UsageLimit{volumeLimit("n", 5, UnitGB, ActionNotify, "ops@acme.com")}
	restrict := []UsageLimit{volumeLimit("r", 10, UnitGB, ActionRestrict, "ops@acme.com")}

	got := ev.Evaluate(9_000_000_000, 2_000_000_000, notify, restrict)
	if got.CanUpload {
		t.Fatal("projected 11 GB must be blocked by the 10 GB restrict limit")
	}
	if !strings.Contains(got.RestrictReason, "10 GB") {
		t.Fatalf("restrict reason %q should mention 10 GB", got.RestrictReason)
	}
	if got.ShouldNotify || len(got.NotifyEmails) != 0 {
		t.Fatal("notify pass must never run on a restrict verdict")
	}
	if got.CurrentUsageBytes != 9_000_000_000 {
		t.Fatalf("CurrentUsageBytes = %d, want 9000000000", got.CurrentUsageBytes)
	}
}
