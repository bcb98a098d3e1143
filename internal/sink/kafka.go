package sink

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"wis2sub/internal/config"
	"wis2sub/internal/logger"
	"wis2sub/internal/wnm"
	apperrors "wis2sub/pkg/errors"
)

const (
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaWriteTimeout = 10 * time.Second
)

// KafkaSink forwards filtered-in notifications to a Kafka topic, keyed by
// notification id so replays of the same notification land in one partition.
type KafkaSink struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaSink(cfg config.KafkaSinkConfig, log logger.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: kafkaBatchTimeout,
		WriteTimeout: kafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaSink{writer: w, logger: log}
}

func (s *KafkaSink) Accept(ctx context.Context, n wnm.Notification) error {
	body, err := Encode(n, false)
	if err != nil {
		return apperrors.ErrDispatch.WithCause(err)
	}

	err = s.writer.WriteMessages(ctx,
		kafka.Message{
			Key:   []byte(n.ID),
			Value: body,
			Time:  time.Now(),
		},
	)
	if err != nil {
		return apperrors.ErrDispatch.WithCause(err)
	}

	s.logger.DebugwCtx(ctx, "Notification forwarded to kafka",
		"notification_id", n.ID,
		"bytes", len(body),
	)
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
