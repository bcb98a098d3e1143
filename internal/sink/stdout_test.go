package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wis2sub/internal/config"
	"wis2sub/internal/wnm"
	apperrors "wis2sub/pkg/errors"
)

func sampleNotification() wnm.Notification {
	length := int64(2048)
	return wnm.Notification{
		ID:          "5b1b2c86-bb22-46b5-a8db-16a0bcd3d1d3",
		Conformance: "http://wis.wmo.int/spec/wnm/1/conf/core",
		Topic:       "cache/a/wis2/de-dwd/data/core/weather",
		PubTime:     time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		DataID:      "wis2/de-dwd/data/core/weather",
		Box:         &wnm.BoundingBox{West: 5.8, South: 47.2, East: 15.1, North: 55.1},
		Links: []wnm.Link{
			{
				Href:   "https://example.int/data.bufr",
				Rel:    wnm.RelCanonical,
				Length: &length,
				Integrity: &wnm.Integrity{
					Method: "sha512",
					Value:  strings.Repeat("A", 87) + "=",
				},
			},
		},
	}
}

func TestStdoutSinkLineFraming(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, config.StdoutSinkConfig{Format: "json"})

	require.NoError(t, s.Accept(context.Background(), sampleNotification()))
	require.NoError(t, s.Accept(context.Background(), sampleNotification()))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "5b1b2c86-bb22-46b5-a8db-16a0bcd3d1d3", decoded["id"])
	assert.Equal(t, "2026-08-29T12:00:00Z", decoded["pubtime"])
	assert.Equal(t, []interface{}{5.8, 47.2, 15.1, 55.1}, decoded["bbox"])
}

func TestStdoutSinkNullFraming(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, config.StdoutSinkConfig{Format: "json-null"})

	require.NoError(t, s.Accept(context.Background(), sampleNotification()))

	out := buf.Bytes()
	require.NotEmpty(t, out)
	assert.Equal(t, byte(0), out[len(out)-1])
	assert.NotContains(t, string(out), "\n")
}

func TestStdoutSinkPrettyFraming(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, config.StdoutSinkConfig{Format: "json-pretty"})

	require.NoError(t, s.Accept(context.Background(), sampleNotification()))
	assert.Contains(t, buf.String(), "\n  \"id\":")
}

func TestEncodeOmitsUnsetOptionalFields(t *testing.T) {
	n := wnm.Notification{
		ID:      "0af5be63-9d0d-4d34-9b06-5ed0cf1f7a55",
		Topic:   "cache/a/wis2/x/data/core/t",
		PubTime: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}

	data, err := Encode(n, false)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "bbox")
	assert.NotContains(t, decoded, "links")
	assert.NotContains(t, decoded, "metadata_id")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestStdoutSinkWriteFailureIsDispatchError(t *testing.T) {
	s := NewWriterSink(failingWriter{}, config.StdoutSinkConfig{Format: "json"})

	err := s.Accept(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.True(t, apperrors.IsDispatch(err))
}
