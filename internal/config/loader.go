package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WIS2 global broker defaults; core data is readable with the shared
// everyone/everyone account.
const (
	DefaultBroker   = "globalbroker.meteo.fr"
	DefaultUsername = "everyone"
	DefaultPassword = "everyone"
	DefaultTopic    = "cache/a/wis2/+/data/core/#"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	// Every setting has a default, so the config file is optional.
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("broker.type", "mqtt")
	viper.SetDefault("broker.mqtt.endpoint", DefaultBroker)
	viper.SetDefault("broker.mqtt.transport", "tcp")
	viper.SetDefault("broker.mqtt.username", DefaultUsername)
	viper.SetDefault("broker.mqtt.password", DefaultPassword)
	viper.SetDefault("broker.mqtt.qos", 1)
	viper.SetDefault("broker.mqtt.topics", []string{DefaultTopic})

	viper.SetDefault("sink.type", "stdout")
	viper.SetDefault("sink.stdout.format", "json")
	viper.SetDefault("sink.dispatch_timeout", 30*time.Second)
	viper.SetDefault("sink.on_failure", "skip")
	viper.SetDefault("sink.retry.max_attempts", 3)
	viper.SetDefault("sink.retry.initial_interval", time.Second)
	viper.SetDefault("sink.retry.max_interval", 30*time.Second)
	viper.SetDefault("sink.retry.multiplier", 2.0)

	viper.SetDefault("filter.mode", "all")

	viper.SetDefault("intake.concurrency", 4)
	viper.SetDefault("intake.drain_timeout", 10*time.Second)
	viper.SetDefault("intake.reconnect.initial_interval", time.Second)
	viper.SetDefault("intake.reconnect.max_interval", time.Minute)
	viper.SetDefault("intake.reconnect.multiplier", 2.0)
	viper.SetDefault("intake.reconnect.max_attempts", 0)

	viper.SetDefault("validation.mode", "fail_fast")
	viper.SetDefault("validation.max_future_skew", 10*time.Minute)

	viper.SetDefault("logging.level", "info")
}

func bindEnvVariables() {
	viper.BindEnv("broker.mqtt.endpoint", "BROKER_MQTT_ENDPOINT")
	viper.BindEnv("broker.mqtt.username", "BROKER_MQTT_USERNAME")
	viper.BindEnv("broker.mqtt.password", "BROKER_MQTT_PASSWORD")
	viper.BindEnv("broker.mqtt.client_id", "BROKER_MQTT_CLIENT_ID")

	viper.BindEnv("sink.kafka.brokers", "SINK_KAFKA_BROKERS")
	viper.BindEnv("sink.kafka.topic", "SINK_KAFKA_TOPIC")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("logging.level", "LOGGING_LEVEL")
}

func applyEnvOverrides(cfg *Config) {
	if brokersEnv := viper.GetString("SINK_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Sink.Kafka.Brokers = brokers
		}
	}
}
