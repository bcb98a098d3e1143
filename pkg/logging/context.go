package logging

import (
	"context"
)

const (
	MessageIDKey = "message_id"
	TopicKey     = "topic"
	ComponentKey = "component"
)

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, TopicKey, topic)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ComponentKey, component)
}

func GetMessageID(ctx context.Context) string {
	if messageID, ok := ctx.Value(MessageIDKey).(string); ok {
		return messageID
	}
	return ""
}

func GetTopic(ctx context.Context) string {
	if topic, ok := ctx.Value(TopicKey).(string); ok {
		return topic
	}
	return ""
}

func GetComponent(ctx context.Context) string {
	if component, ok := ctx.Value(ComponentKey).(string); ok {
		return component
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 6)

	if messageID := GetMessageID(ctx); messageID != "" {
		fields = append(fields, "message_id", messageID)
	}

	if topic := GetTopic(ctx); topic != "" {
		fields = append(fields, "topic", topic)
	}

	if component := GetComponent(ctx); component != "" {
		fields = append(fields, "component", component)
	}

	return fields
}
