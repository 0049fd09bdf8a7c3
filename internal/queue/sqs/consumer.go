package sqsqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrBadPayload marks a message that can never be processed; it is deleted.
var ErrBadPayload = errors.New("bad payload")

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Handler receives the envelope's data field.
type Handler func(ctx context.Context, data json.RawMessage) error

// Typed decodes the envelope data into T before calling h.
func Typed[T any](h func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return errors.Join(ErrBadPayload, err)
		}
		return h(ctx, v)
	}
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Warn("sqs delete message failed", "queue_url", c.QueueURL, "err", err)
	}
}

// handle runs one message. It is deleted on success and on unusable
// payloads; otherwise it stays for SQS redrive.
func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(*m.Body), &env); err != nil {
		slog.Warn("sqs message dropped", "queue_url", c.QueueURL, "reason", "bad envelope", "err", err)
		c.delete(ctx, m)
		return
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("{}")) {
		slog.Info("sqs message skipped", "queue_url", c.QueueURL, "reason", "empty data")
		c.delete(ctx, m)
		return
	}

	err := handler(ctx, data)
	switch {
	case err == nil:
		c.delete(ctx, m)
	case errors.Is(err, ErrBadPayload):
		slog.Warn("sqs message dropped", "queue_url", c.QueueURL, "err", err)
		c.delete(ctx, m)
	default:
		slog.Error("sqs handler error", "queue_url", c.QueueURL, "err", err)
	}
}

// PollConcurrent processes messages with a worker pool. Messages are deleted
// only after the handler completes.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				slog.Error("sqs receive message failed", "queue_url", c.QueueURL, "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// workers drain what is already buffered; the producer closed jobs
	wg.Wait()
	return err
}
