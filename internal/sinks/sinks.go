// Package sinks publishes pipeline outputs consumed by other services to
// their broker topics.
package sinks

import (
	"context"
	"fmt"

	"wapipe/internal/domain"
	sqsqueue "wapipe/internal/queue/sqs"
)

const (
	TopicAcks      = "acks"
	TopicBilling   = "billing"
	TopicTemplates = "templates"
)

type Sender interface {
	Send(ctx context.Context, m sqsqueue.Message) error
}

type Broker struct {
	Queue Sender
}

// UpdateActivityAck publishes an accepted ack. Acks of one hash share a
// group so consumers see them in ledger order.
func (b *Broker) UpdateActivityAck(ctx context.Context, rec domain.AckRecord) error {
	err := b.Queue.Send(ctx, sqsqueue.Message{
		Topic:    TopicAcks,
		Data:     rec,
		GroupKey: rec.Hash,
		DedupID:  fmt.Sprintf("%s:%d", rec.Hash, rec.AckType),
	})
	if err != nil {
		return fmt.Errorf("publish ack: %w", err)
	}
	return nil
}

func (b *Broker) CreateBillingRecord(ctx context.Context, rec domain.BillingRecord) error {
	err := b.Queue.Send(ctx, sqsqueue.Message{
		Topic:    TopicBilling,
		Data:     rec,
		GroupKey: rec.ChannelConfigToken,
		DedupID:  rec.MessageID,
	})
	if err != nil {
		return fmt.Errorf("publish billing record: %w", err)
	}
	return nil
}

func (b *Broker) PublishTemplateEvent(ctx context.Context, ev domain.IncomingEvent) error {
	ev.Raw = nil
	err := b.Queue.Send(ctx, sqsqueue.Message{Topic: TopicTemplates, Data: ev, GroupKey: ev.ChannelToken})
	if err != nil {
		return fmt.Errorf("publish template event: %w", err)
	}
	return nil
}
