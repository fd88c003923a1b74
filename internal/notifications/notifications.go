// Package notifications delivers operational alerts: quota threshold
// crossings, provider health transitions. The quota manager feeds it
// through the EventSink adapter; delivery backends are SNS for
// production and an in-memory notifier for tests.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/modelbridge/gateway/internal/quota"
)

type NotificationType string

const (
	NotificationQuotaWarning  NotificationType = "quota_warning"
	NotificationQuotaCritical NotificationType = "quota_critical"
	NotificationQuotaExceeded NotificationType = "quota_exceeded"
	NotificationProviderDown  NotificationType = "provider_down"
	NotificationProviderUp    NotificationType = "provider_up"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	Scope   string           `json:"scope,omitempty"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// snsAPI is the slice of the SNS client the notifier uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}, nil
}

func NewSNSNotifierWithClient(client snsAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: client, topicArn: topicArn}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}
	if notification.Scope != "" {
		input.MessageAttributes["Scope"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Scope),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "type", notification.Type, "scope", notification.Scope)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) All() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}

// QuotaSink bridges quota threshold events onto a Notifier. Delivery
// failures are logged and dropped; alerting must never block or fail the
// request path.
type QuotaSink struct {
	notifier Notifier
}

func NewQuotaSink(notifier Notifier) *QuotaSink {
	return &QuotaSink{notifier: notifier}
}

func (s *QuotaSink) QuotaThreshold(ctx context.Context, e quota.ThresholdEvent) {
	n := Notification{
		Type:  typeForThreshold(e.Threshold),
		Scope: e.Scope,
		Message: fmt.Sprintf("%s %s quota for %s at %.0f%% (%.4f of %.4f)",
			e.Period, e.Type, e.Scope, e.Threshold*100, e.Used, e.Limit),
		Data: map[string]any{
			"type":      string(e.Type),
			"period":    string(e.Period),
			"threshold": e.Threshold,
			"used":      e.Used,
			"limit":     e.Limit,
			"at":        e.At,
		},
	}

	if err := s.notifier.Send(ctx, n); err != nil {
		slog.Warn("quota notification dropped", "scope", e.Scope, "error", err)
	}
}

func typeForThreshold(threshold float64) NotificationType {
	switch {
	case threshold >= 1.0:
		return NotificationQuotaExceeded
	case threshold >= 0.9:
		return NotificationQuotaCritical
	default:
		return NotificationQuotaWarning
	}
}
