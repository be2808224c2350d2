package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Queue is one logical queue: a consumer-group reader over an exchange topic.
// Fetch blocks until a message arrives or the context is cancelled; Commit
// acknowledges a message, removing it from the queue. A message that is never
// committed is redelivered after the process disappears.
type Queue struct {
	name   string
	reader *kafka.Reader
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Fetch(ctx context.Context) (kafka.Message, error) {
	return q.reader.FetchMessage(ctx)
}

func (q *Queue) Commit(ctx context.Context, msgs ...kafka.Message) error {
	return q.reader.CommitMessages(ctx, msgs...)
}

func (q *Queue) Close() error {
	return q.reader.Close()
}
