package notify

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

type fakeSender struct {
	failFor map[string]bool
	sent    []string
	data    map[string]string
	tmpl    string
}

func (f *fakeSender) Send(ctx context.Context, email, templateName string, data map[string]string) (SendResult, error) {
	f.tmpl = templateName
	f.data = data
	if f.failFor[email] {
		return SendResult{}, errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, email)
	return SendResult{MessageID: "msg-" + email}, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func TestNotifyPartialFailureContinues(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"b@x.com": true}}
	d := NewDispatcher(sender, nopLogger{}, nil, Config{TemplatePrefix: "Quotagate", DashboardURL: "https://app.example.com"})

	res := d.Notify(context.Background(), Input{
		Recipients:        []string{"a@x.com", "b@x.com", "c@x.com"},
		CustomerID:        "acme",
		CurrentUsageBytes: 1073741824,
		LimitDescription:  "1 GB",
	})

	if res.Success {
		t.Fatal("partial failure must not report success")
	}
	if res.SentCount != 2 {
		t.Fatalf("SentCount = %d, want 2", res.SentCount)
	}
	if !reflect.DeepEqual(res.FailedEmails, []string{"b@x.com"}) {
		t.Fatalf("FailedEmails = %v", res.FailedEmails)
	}
	if !reflect.DeepEqual(sender.sent, []string{"a@x.com", "c@x.com"}) {
		t.Fatalf("sends after the failure were aborted: %v", sender.sent)
	}
}

func TestNotifyTemplateAndData(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nopLogger{}, nil, Config{
		TemplatePrefix: "Quotagate",
		DefaultLocale:  "en",
		DashboardURL:   "https://app.example.com/",
		SupportEmail:   "support@example.com",
	})

	res := d.Notify(context.Background(), Input{
		Recipients:        []string{"a@x.com"},
		CustomerID:        "acme",
		CurrentUsageBytes: 1500,
		LimitDescription:  "10 MB, $50",
	})
	if !res.Success || res.SentCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if sender.tmpl != "QuotagateUsageLimitNotification_en" {
		t.Fatalf("template = %q", sender.tmpl)
	}
	if sender.data["currentUsage"] != "1.46 KB" {
		t.Fatalf("currentUsage = %q", sender.data["currentUsage"])
	}
	if sender.data["exceedingLimit"] != "10 MB, $50" {
		t.Fatalf("exceedingLimit = %q", sender.data["exceedingLimit"])
	}
	if sender.data["dashboardUrl"] != "https://app.example.com/en/usage-limits" {
		t.Fatalf("dashboardUrl = %q", sender.data["dashboardUrl"])
	}

	// Explicit locale overrides the default.
	d.Notify(context.Background(), Input{Recipients: []string{"a@x.com"}, Locale: "ja"})
	if sender.tmpl != "QuotagateUsageLimitNotification_ja" {
		t.Fatalf("template = %q", sender.tmpl)
	}
}

type fakeSESClient struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = params
	if f.err != nil {
		return nil, f.err
	}
	id := "message-1"
	return &sesv2.SendEmailOutput{MessageId: &id}, nil
}

func TestSESSenderBuildsTemplatedSend(t *testing.T) {
	client := &fakeSESClient{}
	s := newSESSender(client, "noreply@example.com")

	res, err := s.Send(context.Background(), "a@x.com", "QuotagateUsageLimitNotification_en", map[string]string{"customerId": "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MessageID != "message-1" {
		t.Fatalf("MessageID = %q", res.MessageID)
	}
	if got := client.in.Destination.ToAddresses; len(got) != 1 || got[0] != "a@x.com" {
		t.Fatalf("ToAddresses = %v", got)
	}
	if *client.in.Content.Template.TemplateName != "QuotagateUsageLimitNotification_en" {
		t.Fatalf("TemplateName = %q", *client.in.Content.Template.TemplateName)
	}
	if *client.in.FromEmailAddress != "noreply@example.com" {
		t.Fatalf("FromEmailAddress = %q", *client.in.FromEmailAddress)
	}
}

func TestSESSenderWrapsFailure(t *testing.T) {
	s := newSESSender(&fakeSESClient{err: errors.New("throttled")}, "noreply@example.com")
	if _, err := s.Send(context.Background(), "a@x.com", "T", nil); err == nil {
		t.Fatal("expected error")
	}
}
