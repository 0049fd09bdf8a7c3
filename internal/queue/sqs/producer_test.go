package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	deleted []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestMessageGroupIDBucketed(t *testing.T) {
	topic := "meta.message"
	key := "ch1:5511987654321"

	got1 := messageGroupIDBucketed(topic, key, 2000)
	got2 := messageGroupIDBucketed(topic, key, 2000)
	if got1 != got2 {
		t.Fatalf("expected stable group id, got %q vs %q", got1, got2)
	}
	if len(got1) == 0 {
		t.Fatalf("expected non-empty group id")
	}

	// buckets<=0 should use default.
	got3 := messageGroupIDBucketed(topic, key, 0)
	if got3 == "" {
		t.Fatalf("expected non-empty group id for default buckets")
	}
}

func TestPublishWrapsEnvelope(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURLs: map[string]string{
		"meta.status": "http://q/status",
		"outbound":    "http://q/outbound.fifo",
	}}

	if err := p.Publish(context.Background(), "meta.status", map[string]string{"id": "w1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var env struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal([]byte(*f.sent[0].MessageBody), &env); err != nil || env.Data["id"] != "w1" {
		t.Fatalf("unexpected body %s", *f.sent[0].MessageBody)
	}
	if f.sent[0].MessageGroupId != nil {
		t.Fatalf("standard queues take no group id")
	}

	if err := p.Send(context.Background(), Message{Topic: "outbound", Data: 1, GroupKey: "k", DedupID: "d"}); err != nil {
		t.Fatalf("send fifo: %v", err)
	}
	if f.sent[1].MessageGroupId == nil || *f.sent[1].MessageDeduplicationId != "d" {
		t.Fatalf("expected fifo attributes")
	}

	if err := p.Publish(context.Background(), "nope", 1); err == nil {
		t.Fatalf("expected unbound topic error")
	}
}

func msg(handle, body string) types.Message {
	return types.Message{ReceiptHandle: str(handle), Body: str(body)}
}

func TestHandleDeletesOnlyWhenDone(t *testing.T) {
	f := &fakeSQS{}
	c := &Consumer{SQS: f, QueueURL: "http://q"}
	ctx := context.Background()

	var seen []string
	h := Typed(func(_ context.Context, v struct{ ID string }) error {
		seen = append(seen, v.ID)
		if v.ID == "retry" {
			return errors.New("transient")
		}
		return nil
	})

	c.handle(ctx, msg("ok", `{"data":{"ID":"a"}}`), h)
	c.handle(ctx, msg("transient", `{"data":{"ID":"retry"}}`), h)
	c.handle(ctx, msg("empty", `{"data":null}`), h)
	c.handle(ctx, msg("garbage", `not json`), h)
	c.handle(ctx, msg("badtype", `{"data":"string"}`), h)

	if len(seen) != 2 {
		t.Fatalf("expected two handler calls, got %v", seen)
	}
	want := []string{"ok", "empty", "garbage", "badtype"}
	if len(f.deleted) != len(want) {
		t.Fatalf("expected deletions %v, got %v", want, f.deleted)
	}
	for i := range want {
		if f.deleted[i] != want[i] {
			t.Fatalf("expected deletions %v, got %v", want, f.deleted)
		}
	}
}

func TestPollConcurrentStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{SQS: &fakeSQS{}, QueueURL: "http://q"}
	done := make(chan error, 1)
	go func() { done <- c.PollConcurrent(ctx, 2, func(context.Context, json.RawMessage) error { return nil }) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
