package integration

import (
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"wis2sub/internal/config"
	"wis2sub/internal/logger"
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestBrokerConfig(endpoint string, topics ...string) config.BrokerConfig {
	return config.BrokerConfig{
		Type: "mqtt",
		MQTT: config.MQTTConfig{
			Endpoint:  endpoint,
			Transport: "tcp",
			QoS:       1,
			Topics:    topics,
			Insecure:  true,
		},
	}
}

// publish delivers one payload through a throwaway client, simulating the
// global broker side of the conversation.
func publish(t *testing.T, endpoint, topic string, payload []byte) {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + endpoint).
		SetClientID(fmt.Sprintf("test-publisher-%d", time.Now().UnixNano()))

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		t.Fatal("publisher connect timed out")
	}
	if token.Error() != nil {
		t.Fatalf("publisher connect failed: %v", token.Error())
	}
	defer client.Disconnect(100)

	pubToken := client.Publish(topic, 1, false, payload)
	if !pubToken.WaitTimeout(10 * time.Second) {
		t.Fatal("publish timed out")
	}
	if pubToken.Error() != nil {
		t.Fatalf("publish failed: %v", pubToken.Error())
	}
}

func notificationPayload(id, pubtime, dataID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "Feature",
		"conformsTo": ["http://wis.wmo.int/spec/wnm/1/conf/core"],
		"properties": {
			"pubtime": %q,
			"data_id": %q
		},
		"links": [
			{"href": "https://example.int/data.bufr", "rel": "canonical"}
		]
	}`, id, pubtime, dataID))
}
