package broker

import (
	"fmt"

	"wis2sub/internal/config"
	"wis2sub/internal/logger"
)

func NewSubscriber(cfg config.BrokerConfig, log logger.Logger) (Subscriber, error) {
	switch cfg.Type {
	case "mqtt":
		return NewMQTTSubscriber(cfg.MQTT, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
