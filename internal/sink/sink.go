package sink

import (
	"context"
	"fmt"

	"wis2sub/internal/config"
	"wis2sub/internal/logger"
	"wis2sub/internal/wnm"
	"wis2sub/pkg/circuitbreaker"
)

// Sink is the downstream consumer of filtered-in notifications. Accept may
// block; the dispatcher bounds each call with its dispatch timeout.
type Sink interface {
	Accept(ctx context.Context, n wnm.Notification) error
	Close() error
}

// New builds the configured sink, wrapped in a circuit breaker when enabled.
func New(cfg config.SinkConfig, log logger.Logger) (Sink, error) {
	var s Sink
	switch cfg.Type {
	case "stdout":
		s = NewStdoutSink(cfg.Stdout)
	case "kafka":
		s = NewKafkaSink(cfg.Kafka, log)
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}

	if cfg.CircuitBreaker.Enabled {
		s = NewBreakerSink(s, cfg.CircuitBreaker)
	}
	return s, nil
}

// BreakerSink guards a sink with a circuit breaker so a persistently failing
// downstream fails fast instead of eating the full dispatch timeout per
// message.
type BreakerSink struct {
	inner   Sink
	breaker *circuitbreaker.Wrapper
}

func NewBreakerSink(inner Sink, cfg config.CircuitBreakerConfig) *BreakerSink {
	bcfg := circuitbreaker.DefaultConfig("sink")
	if cfg.MaxRequests > 0 {
		bcfg.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		bcfg.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		bcfg.Timeout = cfg.Timeout
	}

	return &BreakerSink{
		inner:   inner,
		breaker: circuitbreaker.NewWrapper(bcfg),
	}
}

func (s *BreakerSink) Accept(ctx context.Context, n wnm.Notification) error {
	_, err := s.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.inner.Accept(ctx, n)
	})
	return err
}

func (s *BreakerSink) Close() error {
	return s.inner.Close()
}
