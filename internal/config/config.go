package config

import (
	"time"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	Validation ValidationConfig `mapstructure:"validation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BrokerConfig struct {
	Type string     `mapstructure:"type"`
	MQTT MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Endpoint  string   `mapstructure:"endpoint"`
	Transport string   `mapstructure:"transport"` // "tcp" or "websockets"
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	ClientID  string   `mapstructure:"client_id"`
	QoS       byte     `mapstructure:"qos"`
	Topics    []string `mapstructure:"topics"`
	Insecure  bool     `mapstructure:"insecure"` // plain TCP, for local brokers and tests
}

type SinkConfig struct {
	Type            string               `mapstructure:"type"` // "stdout" or "kafka"
	Stdout          StdoutSinkConfig     `mapstructure:"stdout"`
	Kafka           KafkaSinkConfig      `mapstructure:"kafka"`
	DispatchTimeout time.Duration        `mapstructure:"dispatch_timeout"`
	OnFailure       string               `mapstructure:"on_failure"` // "retry" or "skip"
	Retry           RetryConfig          `mapstructure:"retry"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type StdoutSinkConfig struct {
	Format string `mapstructure:"format"` // "json", "json-pretty", "json-null"
}

type KafkaSinkConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type FilterConfig struct {
	Topics []string     `mapstructure:"topics"`
	BBox   []float64    `mapstructure:"bbox"` // west, south, east, north
	Window WindowConfig `mapstructure:"window"`
	Mode   string       `mapstructure:"mode"` // "all" or "any"
}

type WindowConfig struct {
	Start string `mapstructure:"start"` // RFC3339, empty for an open bound
	End   string `mapstructure:"end"`
}

type IntakeConfig struct {
	Concurrency        int             `mapstructure:"concurrency"`
	RateLimitPerSecond float64         `mapstructure:"rate_limit_per_second"` // 0 disables
	DrainTimeout       time.Duration   `mapstructure:"drain_timeout"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts"` // 0 means unbounded
}

type ValidationConfig struct {
	Mode          string        `mapstructure:"mode"` // "fail_fast" or "collect_all"
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew"`
	Disabled      bool          `mapstructure:"disabled"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
