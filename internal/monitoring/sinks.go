package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Sink receives raised alerts. Implementations must be fast; slow delivery
// belongs on a queue, not in the evaluation tick.
type Sink interface {
	Notify(alert Alert, snapshot Snapshot) error
}

// ANSI colors per severity for the console sink.
const (
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
	ansiReset  = "\033[0m"
)

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return ansiRed
	case models.SeverityHigh:
		return ansiYellow
	case models.SeverityMedium:
		return ansiCyan
	default:
		return ansiGray
	}
}

// ConsoleSink prints alerts to a writer with severity colors.
type ConsoleSink struct {
	out   io.Writer
	color bool
}

// NewConsoleSink writes colored alerts to stderr.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{out: os.Stderr, color: true}
}

// NewConsoleSinkTo writes to an explicit writer; used by tests.
func NewConsoleSinkTo(out io.Writer, color bool) *ConsoleSink {
	return &ConsoleSink{out: out, color: color}
}

// Notify prints one line per alert.
func (c *ConsoleSink) Notify(alert Alert, _ Snapshot) error {
	line := fmt.Sprintf("[ALERT] [%s] %s: %s (%s)",
		alert.Severity, alert.Title, alert.Description, alert.ID)
	if c.color {
		line = severityColor(alert.Severity) + line + ansiReset
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

// WebhookPayload is the JSON body a webhook delivery would carry. Delivery
// itself is not wired to an HTTP client; the payload is constructed and
// logged, and the SQS sink reuses the same shape.
type WebhookPayload struct {
	Alert       string                 `json:"alert"`
	Severity    string                 `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
}

// NewWebhookPayload builds the delivery body for one alert.
func NewWebhookPayload(alert Alert) WebhookPayload {
	return WebhookPayload{
		Alert:       alert.ID,
		Severity:    string(alert.Severity),
		Title:       alert.Title,
		Description: alert.Description,
		Source:      alert.Source,
		Timestamp:   alert.RaisedAt,
		Metrics:     alert.ContextMetrics,
	}
}

// WebhookSink constructs the webhook payload and records the intent to
// deliver it. TODO: wire an HTTP client once the delivery contract
// (retries, auth) is settled with the receiving side.
type WebhookSink struct {
	url    string
	logger observability.Logger
}

// NewWebhookSink builds the payload-only webhook sink.
func NewWebhookSink(url string, logger observability.Logger) *WebhookSink {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &WebhookSink{url: url, logger: logger}
}

// Notify serializes the payload and logs the delivery intent.
func (w *WebhookSink) Notify(alert Alert, _ Snapshot) error {
	payload := NewWebhookPayload(alert)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	w.logger.Info("Webhook notification prepared", map[string]interface{}{
		"url":   w.url,
		"alert": alert.ID,
		"bytes": len(body),
	})
	return nil
}

// SQSClient is the slice of the SQS API the sink uses.
type SQSClient interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
}

// SQSSink enqueues the webhook payload JSON onto an SQS queue so a worker
// can own delivery, retries and auth.
type SQSSink struct {
	client   SQSClient
	queueURL string
	timeout  time.Duration
	logger   observability.Logger
}

// NewSQSSink builds the queue sink.
func NewSQSSink(client SQSClient, queueURL string, logger observability.Logger) *SQSSink {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQSSink{
		client:   client,
		queueURL: queueURL,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Notify enqueues one message per alert.
func (s *SQSSink) Notify(alert Alert, _ Snapshot) error {
	payload := NewWebhookPayload(alert)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding alert payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueueing alert: %w", err)
	}

	s.logger.Debug("Alert enqueued", map[string]interface{}{
		"alert": alert.ID,
		"queue": s.queueURL,
	})
	return nil
}
