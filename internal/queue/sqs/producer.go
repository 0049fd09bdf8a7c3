package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wapipe/internal/util"
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Envelope is the wire shape of every broker message.
type Envelope struct {
	Data json.RawMessage `json:"data"`
}

type Message struct {
	Topic string
	Data  any
	// GroupKey orders messages on FIFO queues; keys are bucketed per topic.
	GroupKey string
	// DedupID suppresses producer retries on FIFO queues.
	DedupID string
}

// Producer publishes envelopes to the queue bound to each topic.
type Producer struct {
	SQS       API
	QueueURLs map[string]string
	// GroupBuckets caps the number of FIFO message groups per topic.
	GroupBuckets int
}

func (p *Producer) Publish(ctx context.Context, topic string, data any) error {
	return p.Send(ctx, Message{Topic: topic, Data: data})
}

func (p *Producer) Send(ctx context.Context, m Message) error {
	url, ok := p.QueueURLs[m.Topic]
	if !ok || url == "" {
		return fmt.Errorf("no queue bound to topic %q", m.Topic)
	}
	data, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Envelope{Data: data})
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &url,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(url, ".fifo") {
		key := m.GroupKey
		if key == "" {
			key = m.Topic
		}
		dedup := m.DedupID
		if dedup == "" {
			dedup = util.NewHash()
		}
		in.MessageGroupId = str(messageGroupIDBucketed(m.Topic, key, p.GroupBuckets))
		in.MessageDeduplicationId = str(dedup)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// messageGroupIDBucketed spreads keys over a fixed number of FIFO groups so a
// busy sender cannot hold up the whole topic.
func messageGroupIDBucketed(topic, key string, buckets int) string {
	if buckets <= 0 {
		buckets = 1024
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s:%d", topic, h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
