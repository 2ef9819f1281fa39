package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reads JSON event envelopes from a Kafka topic and feeds them through the engine.
//
// Offsets are committed by the consumer group as messages are read, so a crash can drop events which were read but not yet processed. For moderation that is preferable to replaying old messages after a restart.
type KafkaConsumer struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Parallelism int
	Logger      *slog.Logger
	Processor   Processor
}

func (kc *KafkaConsumer) Run(ctx context.Context) error {
	if kc.Processor == nil {
		return fmt.Errorf("nil processor")
	}
	if len(kc.Brokers) == 0 {
		return fmt.Errorf("kafka consumer requires at least one broker")
	}
	if kc.GroupID == "" {
		return fmt.Errorf("kafka consumer requires group id")
	}
	if kc.Topic == "" {
		return fmt.Errorf("kafka consumer requires a topic")
	}
	if kc.Logger == nil {
		kc.Logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kc.Brokers,
		GroupID:  kc.GroupID,
		Topic:    kc.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	// in-flight work finishes even after shutdown starts
	sched := NewScheduler(context.WithoutCancel(ctx), kc.Parallelism, "kafka:"+kc.Topic, kc.handle)
	defer sched.Shutdown()

	kc.Logger.Info("consuming events from kafka", "topic", kc.Topic, "group", kc.GroupID, "parallelism", kc.Parallelism)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				kc.Logger.Info("kafka consumer stopping")
				return nil
			}
			return fmt.Errorf("reading from kafka: %w", err)
		}
		if err := kc.HandleKafkaMessage(ctx, sched, msg); err != nil {
			return err
		}
	}
}

// Decodes one Kafka message and queues it. Malformed messages are logged and skipped; only scheduler errors (cancellation) are returned.
func (kc *KafkaConsumer) HandleKafkaMessage(ctx context.Context, sched *Scheduler, msg kafka.Message) error {
	env, err := ParseEnvelope(msg.Value)
	if err != nil {
		kafkaMessagesRead.WithLabelValues("invalid").Inc()
		kc.Logger.Warn("skipping invalid event envelope", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	kafkaMessagesRead.WithLabelValues("ok").Inc()
	return sched.AddWork(ctx, env.Key(), env)
}

func (kc *KafkaConsumer) handle(ctx context.Context, env *Envelope) error {
	d, err := Dispatch(ctx, kc.Processor, env)
	if err != nil {
		return fmt.Errorf("processing %s event: %w", env.Type, err)
	}
	kc.Logger.Debug("processed event", "type", env.Type, "key", env.Key(), "action", d.Action)
	return nil
}
