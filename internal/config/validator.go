package config

import (
	"fmt"
	"time"

	apperrors "wis2sub/pkg/errors"
)

// ValidateStatic checks the configuration before the subscription starts.
// Any violation is a fatal configuration error.
func ValidateStatic(cfg *Config) error {
	checks := []func(*Config) error{
		validateServer,
		validateBroker,
		validateSink,
		validateFilter,
		validateIntake,
		validateValidation,
	}

	for _, check := range checks {
		if err := check(cfg); err != nil {
			return apperrors.ErrConfiguration.WithCause(err).WithDetail("message", err.Error())
		}
	}
	return nil
}

func validateServer(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	return nil
}

func validateBroker(cfg *Config) error {
	if cfg.Broker.Type != "mqtt" {
		return fmt.Errorf("broker.type must be mqtt, got %q", cfg.Broker.Type)
	}
	m := cfg.Broker.MQTT
	if m.Endpoint == "" {
		return fmt.Errorf("broker.mqtt.endpoint is required")
	}
	if m.Transport != "tcp" && m.Transport != "websockets" {
		return fmt.Errorf("broker.mqtt.transport must be tcp or websockets, got %q", m.Transport)
	}
	if m.QoS > 2 {
		return fmt.Errorf("broker.mqtt.qos must be 0, 1, or 2, got %d", m.QoS)
	}
	if len(m.Topics) == 0 {
		return fmt.Errorf("broker.mqtt.topics must name at least one topic")
	}
	return nil
}

func validateSink(cfg *Config) error {
	s := cfg.Sink
	switch s.Type {
	case "stdout":
		switch s.Stdout.Format {
		case "", "json", "json-pretty", "json-null":
		default:
			return fmt.Errorf("sink.stdout.format must be json, json-pretty, or json-null, got %q", s.Stdout.Format)
		}
	case "kafka":
		if len(s.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required")
		}
		if s.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.topic is required")
		}
	default:
		return fmt.Errorf("sink.type must be stdout or kafka, got %q", s.Type)
	}

	if s.OnFailure != "retry" && s.OnFailure != "skip" {
		return fmt.Errorf("sink.on_failure must be retry or skip, got %q", s.OnFailure)
	}
	if s.DispatchTimeout <= 0 {
		return fmt.Errorf("sink.dispatch_timeout must be positive")
	}
	return nil
}

func validateFilter(cfg *Config) error {
	f := cfg.Filter
	if f.Mode != "all" && f.Mode != "any" && f.Mode != "" {
		return fmt.Errorf("filter.mode must be all or any, got %q", f.Mode)
	}
	if len(f.BBox) != 0 && len(f.BBox) != 4 {
		return fmt.Errorf("filter.bbox wants four values (west, south, east, north), got %d", len(f.BBox))
	}
	for _, bound := range []string{f.Window.Start, f.Window.End} {
		if bound == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, bound); err != nil {
			return fmt.Errorf("filter.window bound %q is not RFC3339: %w", bound, err)
		}
	}
	return nil
}

func validateIntake(cfg *Config) error {
	i := cfg.Intake
	if i.Concurrency < 1 {
		return fmt.Errorf("intake.concurrency must be at least 1, got %d", i.Concurrency)
	}
	if i.RateLimitPerSecond < 0 {
		return fmt.Errorf("intake.rate_limit_per_second must not be negative")
	}
	if i.DrainTimeout <= 0 {
		return fmt.Errorf("intake.drain_timeout must be positive")
	}
	if i.Reconnect.InitialInterval <= 0 || i.Reconnect.MaxInterval < i.Reconnect.InitialInterval {
		return fmt.Errorf("intake.reconnect intervals must be positive with max_interval >= initial_interval")
	}
	if i.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("intake.reconnect.max_attempts must not be negative")
	}
	return nil
}

func validateValidation(cfg *Config) error {
	v := cfg.Validation
	if v.Mode != "fail_fast" && v.Mode != "collect_all" && v.Mode != "" {
		return fmt.Errorf("validation.mode must be fail_fast or collect_all, got %q", v.Mode)
	}
	if v.MaxFutureSkew < 0 {
		return fmt.Errorf("validation.max_future_skew must not be negative")
	}
	return nil
}
