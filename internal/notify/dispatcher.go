package notify

import (
	"context"
	"fmt"
	"strings"

	"quotagate/internal/bytesize"
)

// SendResult carries the provider's identifier for one delivered message.
type SendResult struct {
	MessageID string
}

// Sender delivers one templated message to one recipient.
type Sender interface {
	Send(ctx context.Context, email, templateName string, data map[string]string) (SendResult, error)
}

type Logger interface {
	Printf(string, ...any)
}

type Metrics interface {
	RecordNotification(status string)
}

// Config shapes the notification template and its links.
type Config struct {
	// TemplatePrefix is prepended to the template name, e.g. "Quotagate"
	// yields "QuotagateUsageLimitNotification_en".
	TemplatePrefix string
	DefaultLocale  string
	DashboardURL   string
	CompanyName    string
	SupportEmail   string
}

// Input is one usage-limit notification fan-out. LimitDescription is the
// already-rendered text of the exceeded thresholds; it is threaded through
// verbatim rather than re-derived from formatted byte strings.
type Input struct {
	Recipients        []string
	CustomerID        string
	CurrentUsageBytes int64
	LimitDescription  string
	Locale            string
}

// DispatchResult reports per-recipient progress. Success is true only when
// every recipient was reached.
type DispatchResult struct {
	Success      bool     `json:"success"`
	SentCount    int      `json:"sentCount"`
	FailedEmails []string `json:"failedEmails"`
}

// Dispatcher sends usage-limit notifications one recipient at a time. A
// failed recipient is recorded and the remaining sends continue; the
// admission verdict already returned is never revisited here.
type Dispatcher struct {
	sender  Sender
	log     Logger
	metrics Metrics
	cfg     Config
}

func NewDispatcher(sender Sender, log Logger, metrics Metrics, cfg Config) *Dispatcher {
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en"
	}
	return &Dispatcher{sender: sender, log: log, metrics: metrics, cfg: cfg}
}

func (d *Dispatcher) Notify(ctx context.Context, in Input) DispatchResult {
	locale := in.Locale
	if locale == "" {
		locale = d.cfg.DefaultLocale
	}
	templateName := fmt.Sprintf("%sUsageLimitNotification_%s", d.cfg.TemplatePrefix, locale)
	data := map[string]string{
		"customerId":     in.CustomerID,
		"currentUsage":   bytesize.Format(in.CurrentUsageBytes),
		"exceedingLimit": in.LimitDescription,
		"dashboardUrl":   fmt.Sprintf("%s/%s/usage-limits", strings.TrimRight(d.cfg.DashboardURL, "/"), locale),
		"companyName":    d.cfg.CompanyName,
		"supportEmail":   d.cfg.SupportEmail,
	}

	result := DispatchResult{FailedEmails: []string{}}
	for _, email := range in.Recipients {
		if _, err := d.sender.Send(ctx, email, templateName, data); err != nil {
			d.log.Printf("usage limit notification to %s failed: %v", email, err)
			result.FailedEmails = append(result.FailedEmails, email)
			if d.metrics != nil {
				d.metrics.RecordNotification("failed")
			}
			continue
		}
		result.SentCount++
		if d.metrics != nil {
			d.metrics.RecordNotification("sent")
		}
	}
	result.Success = len(result.FailedEmails) == 0
	return result
}
