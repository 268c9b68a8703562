// Package notify delivers rendered rule notifications: the structured log,
// e-mail through SES and JSON webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/httpretry"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// ErrNoRecipients is returned when neither the notification nor the sender
// configuration names a destination.
var ErrNoRecipients = errors.New("notify: no recipients")

// LogSender writes notifications to the structured log.
type LogSender struct {
	log *logger.Logger
}

func NewLogSender(l *logger.Logger) *LogSender {
	if l == nil {
		l = logger.Default()
	}
	return &LogSender{log: l.With("component", "notify")}
}

func (s *LogSender) Send(_ context.Context, spec domain.NotificationSpec, subject, body string) error {
	masked := make([]string, len(spec.Recipients))
	for i, r := range spec.Recipients {
		masked[i] = logger.RedactEmail(r)
	}
	s.log.Info("notification", "subject", subject, "body", body, "recipients", masked)
	return nil
}

// EmailAPI is the part of the SES v2 client used for sending.
type EmailAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the e-mail sender. Without static keys the default
// AWS credential chain is used.
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	From      string
}

// SESSender sends plain-text e-mail through SES v2.
type SESSender struct {
	client EmailAPI
	from   string
}

// NewSESSender loads AWS configuration and creates the SES client.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg.From), nil
}

// NewSESSenderWithClient wraps an existing client.
func NewSESSenderWithClient(client EmailAPI, from string) *SESSender {
	return &SESSender{client: client, from: from}
}

func (s *SESSender) Send(ctx context.Context, spec domain.NotificationSpec, subject, body string) error {
	if len(spec.Recipients) == 0 {
		return ErrNoRecipients
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: spec.Recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("source"), Value: aws.String("repricer")},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}

// WebhookPayload is the JSON body posted to webhook recipients.
type WebhookPayload struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// WebhookSender posts notifications as JSON. Recipients are URLs;
// the configured default URL is used when a notification names none.
type WebhookSender struct {
	defaultURL string
	client     httpretry.HTTPDoer
	now        func() time.Time
}

func NewWebhookSender(defaultURL string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		defaultURL: defaultURL,
		client:     httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3, httpretry.WithBackoff(500*time.Millisecond, 5*time.Second)),
		now:        time.Now,
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (s *WebhookSender) SetHTTPClient(client httpretry.HTTPDoer) {
	s.client = client
}

func (s *WebhookSender) Send(ctx context.Context, spec domain.NotificationSpec, subject, body string) error {
	urls := spec.Recipients
	if len(urls) == 0 && s.defaultURL != "" {
		urls = []string{s.defaultURL}
	}
	if len(urls) == 0 {
		return ErrNoRecipients
	}

	payload, err := json.Marshal(WebhookPayload{Subject: subject, Body: body, SentAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var errs []error
	for _, u := range urls {
		if err := s.post(ctx, u, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSender) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}
