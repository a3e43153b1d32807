package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"
)

// SESConfig captures the configuration necessary to send through SES.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	FromEmail       string
}

// sesAPI captures the subset of the AWS SDK we use so it can be mocked in tests.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers templated notifications through Amazon SES.
type SESSender struct {
	client sesAPI
	from   string
}

// NewSESSender builds an SES-backed sender from AWS configuration.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		return nil, errors.New("ses region is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("ses from address is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESSender{client: sesv2.NewFromConfig(awsCfg), from: cfg.FromEmail}, nil
}

func newSESSender(client sesAPI, from string) *SESSender {
	return &SESSender{client: client, from: from}
}

func (s *SESSender) Send(ctx context.Context, email, templateName string, data map[string]string) (SendResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode template data: %w", err)
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: []string{email}},
		Content: &sestypes.EmailContent{
			Template: &sestypes.Template{
				TemplateName: aws.String(templateName),
				TemplateData: aws.String(string(payload)),
			},
		},
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("send templated email: %w", err)
	}
	result := SendResult{}
	if out.MessageId != nil {
		result.MessageID = *out.MessageId
	}
	return result, nil
}

// LogSender records sends to the log instead of delivering them. Used when
// no SES sender address is configured, e.g. local development.
type LogSender struct {
	log Logger
}

func NewLogSender(log Logger) *LogSender {
	return &LogSender{log: log}
}

func (l *LogSender) Send(ctx context.Context, email, templateName string, data map[string]string) (SendResult, error) {
	l.log.Printf("notification (not sent): to=%s template=%s currentUsage=%s limit=%s",
		email, templateName, data["currentUsage"], data["exceedingLimit"])
	return SendResult{MessageID: uuid.NewString()}, nil
}
