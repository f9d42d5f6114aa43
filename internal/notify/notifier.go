package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/db"
)

// Notifier delivers an email built from a stored template
//
//go:generate mockgen -source=notifier.go -destination=../mocks/notifier.go -package=mocks -mock_names=Notifier=MockNotifier
type Notifier interface {
	Send(ctx context.Context, email string, template *db.EmailTemplate) error
}

// MailMessage is the request body of the mail API
type MailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// MailNotifier sends emails through an HTTP mail API
type MailNotifier struct {
	httpClient *resty.Client
	endpoint   string
	logger     *zap.Logger
}

var _ Notifier = (*MailNotifier)(nil)

// NewMailNotifier creates a mail API client
func NewMailNotifier(endpoint, apiKey string, timeout time.Duration, retryCount int, logger *zap.Logger) *MailNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &MailNotifier{
		httpClient: client,
		endpoint:   endpoint,
		logger:     logger,
	}
}

// Send posts the rendered template to the mail API
func (n *MailNotifier) Send(ctx context.Context, email string, template *db.EmailTemplate) error {
	message := MailMessage{
		From:    template.From,
		To:      email,
		Subject: template.Subject,
		HTML:    template.Body,
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(message).
		Post(n.endpoint)
	if err != nil {
		return fmt.Errorf("failed to call mail API: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("mail API returned status %d", resp.StatusCode())
	}

	n.logger.Debug("email sent",
		zap.String("template", template.Name),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

// LogNotifier only logs emails. It is used when no mail API is configured.
type LogNotifier struct {
	logger *zap.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier that writes to logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the email
func (n *LogNotifier) Send(_ context.Context, email string, template *db.EmailTemplate) error {
	n.logger.Info("mail API not configured, email not sent",
		zap.String("template", template.Name),
		zap.String("subject", template.Subject),
	)
	return nil
}
