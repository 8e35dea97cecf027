package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
	"github.com/hanko-field/settlement/internal/services"
)

// Email templates rendered by the mail worker.
const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateOrderCancelled    = "order_cancelled"
	TemplateOrderRefunded     = "order_refunded"
)

// EmailJob is the message consumed by the mail worker.
type EmailJob struct {
	Template     string    `json:"template"`
	OrderID      string    `json:"orderId"`
	To           string    `json:"to"`
	CustomerName string    `json:"customerName,omitempty"`
	Total        float64   `json:"total"`
	Currency     string    `json:"currency,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Invoice      []byte    `json:"invoice,omitempty"`
	QueuedAt     time.Time `json:"queuedAt"`
}

// PubSubNotifier publishes customer email jobs to a Pub/Sub topic.
type PubSubNotifier struct {
	topic    *pubsub.Topic
	currency string
	clock    func() time.Time
	marshal  func(any) ([]byte, error)
}

var _ services.Notifier = (*PubSubNotifier)(nil)

// NewPubSubNotifier constructs a Pub/Sub backed notifier.
func NewPubSubNotifier(topic *pubsub.Topic, currency string, clock func() time.Time) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PubSubNotifier{
		topic:    topic,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		clock:    func() time.Time { return clock().UTC() },
		marshal:  json.Marshal,
	}, nil
}

func (p *PubSubNotifier) SendOrderConfirmation(ctx context.Context, order domain.Order, invoice []byte) error {
	job := p.job(TemplateOrderConfirmation, order, "")
	job.Invoice = invoice
	return p.publish(ctx, job)
}

func (p *PubSubNotifier) SendCancellationEmail(ctx context.Context, order domain.Order, reason string) error {
	return p.publish(ctx, p.job(TemplateOrderCancelled, order, reason))
}

func (p *PubSubNotifier) SendRefundEmail(ctx context.Context, order domain.Order, reason string) error {
	return p.publish(ctx, p.job(TemplateOrderRefunded, order, reason))
}

func (p *PubSubNotifier) job(template string, order domain.Order, reason string) EmailJob {
	return EmailJob{
		Template:     template,
		OrderID:      order.ID,
		To:           strings.TrimSpace(order.Customer.Email),
		CustomerName: strings.TrimSpace(order.Customer.Name),
		Total:        money.Float(order.Total),
		Currency:     p.currency,
		Reason:       strings.TrimSpace(reason),
		QueuedAt:     p.clock(),
	}
}

func (p *PubSubNotifier) publish(ctx context.Context, job EmailJob) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	if job.To == "" {
		return fmt.Errorf("pubsub notifier: order %s has no customer email", job.OrderID)
	}

	data, err := p.marshal(job)
	if err != nil {
		return fmt.Errorf("marshal email job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "template", job.Template)
	setAttr(attrs, "orderId", job.OrderID)
	// The relay may publish the same intent twice; the worker dedupes on this key.
	setAttr(attrs, "idempotencyKey", job.OrderID+":"+job.Template)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish email job: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
