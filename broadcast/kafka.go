package broadcast

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/segmentio/kafka-go"

	modules "github.com/goliatone/go-tenant-modules"
	"github.com/goliatone/go-tenant-modules/eventmap"
)

// MessageWriter is the slice of kafka.Writer the broadcaster uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that hashes on the message key, so every
// event of a tenant lands on the same partition in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaBroadcaster streams module state changes keyed by tenant id.
type KafkaBroadcaster struct {
	writer MessageWriter
	opts   []eventmap.Option
}

// NewKafkaBroadcaster wraps a writer.
func NewKafkaBroadcaster(writer MessageWriter, opts ...eventmap.Option) *KafkaBroadcaster {
	return &KafkaBroadcaster{writer: writer, opts: opts}
}

// Broadcast implements modules.Broadcaster.
func (b *KafkaBroadcaster) Broadcast(ctx context.Context, event modules.ModuleStateEvent) error {
	env := eventmap.Normalize(event, b.opts...)

	value, err := env.Marshal()
	if err != nil {
		return modules.NewValidationError("broadcast payload is not encodable", map[string]any{"event": env.Event})
	}

	msg := kafka.Message{
		Key:   []byte(event.Tenant.ID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Event)},
			{Key: "tenant_id", Value: []byte(event.Tenant.ID)},
			{Key: "action", Value: []byte(event.Action)},
			{Key: "channel", Value: []byte(env.Channel)},
		},
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "kafka write for tenant "+event.Tenant.ID+" failed")
	}
	return nil
}

// Close closes the underlying writer.
func (b *KafkaBroadcaster) Close() error {
	return b.writer.Close()
}

// SplitBrokers flattens comma separated broker lists, dropping blanks.
func SplitBrokers(lists ...string) []string {
	out := []string{}
	for _, list := range lists {
		for _, b := range strings.Split(list, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}
