package wnm

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "wis2sub/pkg/errors"
)

// DecodeError reports a payload that could not be turned into a Notification.
// It carries the broker topic when known so the failure can be attributed.
type DecodeError struct {
	Reason string
	Topic  string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("decode failed on topic %q: %s", e.Topic, e.Reason)
	}
	return fmt.Sprintf("decode failed: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	if e.Cause != nil {
		return apperrors.ErrDecode.WithCause(e.Cause)
	}
	return apperrors.ErrDecode
}

// IsFatal marks decode failures as non-retryable: the same payload will never
// decode differently.
func (e *DecodeError) IsFatal() bool { return true }

func decodeErr(topic, reason string, cause error) *DecodeError {
	return &DecodeError{Reason: reason, Topic: topic, Cause: cause}
}

// wire-format shapes; RawMessage fields distinguish absent from null.
type envelope struct {
	ID         *string          `json:"id"`
	Type       *string          `json:"type"`
	ConformsTo []string         `json:"conformsTo"`
	Version    *string          `json:"version"`
	Geometry   *geometry        `json:"geometry"`
	Properties *properties      `json:"properties"`
	Links      []linkWire       `json:"links"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type properties struct {
	PubTime    *string       `json:"pubtime"`
	DataID     string        `json:"data_id"`
	MetadataID string        `json:"metadata_id"`
	Producer   string        `json:"producer"`
	Content    *contentWire  `json:"content"`
}

type linkWire struct {
	Href      string         `json:"href"`
	Rel       string         `json:"rel"`
	Type      string         `json:"type"`
	Length    *int64         `json:"length"`
	Integrity *integrityWire `json:"integrity"`
}

type integrityWire struct {
	Method string `json:"method"`
	Value  string `json:"value"`
}

type contentWire struct {
	Encoding string `json:"encoding"`
	Value    string `json:"value"`
	Size     int    `json:"size"`
}

// Decode parses a raw broker payload into a Notification. It is a pure
// function: a malformed payload or a missing required field (id, pubtime)
// yields a *DecodeError and no Notification. Optional fields absent from the
// payload stay nil so downstream predicates can tell "no value" from zero.
func Decode(payload []byte, topic string) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Notification{}, decodeErr(topic, "payload is not valid JSON", err)
	}

	if env.ID == nil || *env.ID == "" {
		return Notification{}, decodeErr(topic, "missing required field: id", nil)
	}
	if env.Properties == nil {
		return Notification{}, decodeErr(topic, "missing required field: properties", nil)
	}
	if env.Properties.PubTime == nil || *env.Properties.PubTime == "" {
		return Notification{}, decodeErr(topic, "missing required field: properties.pubtime", nil)
	}
	if topic == "" {
		return Notification{}, decodeErr(topic, "message has no topic", nil)
	}

	pubTime, err := parseUTCTime(*env.Properties.PubTime)
	if err != nil {
		return Notification{}, decodeErr(topic, fmt.Sprintf("invalid pubtime %q: %v", *env.Properties.PubTime, err), err)
	}

	n := Notification{
		ID:         *env.ID,
		Topic:      topic,
		PubTime:    pubTime,
		DataID:     env.Properties.DataID,
		MetadataID: env.Properties.MetadataID,
		Producer:   env.Properties.Producer,
	}

	switch {
	case len(env.ConformsTo) > 0:
		n.Conformance = env.ConformsTo[0]
	case env.Version != nil:
		n.Conformance = *env.Version
	}

	if env.Geometry != nil {
		box, err := boxFromGeometry(*env.Geometry)
		if err != nil {
			return Notification{}, decodeErr(topic, err.Error(), err)
		}
		n.Box = box
	}

	for _, lw := range env.Links {
		link := Link{Href: lw.Href, Rel: lw.Rel, Type: lw.Type, Length: lw.Length}
		if lw.Integrity != nil {
			link.Integrity = &Integrity{Method: lw.Integrity.Method, Value: lw.Integrity.Value}
		}
		n.Links = append(n.Links, link)
	}

	if env.Properties.Content != nil {
		c := env.Properties.Content
		n.Content = &Content{Encoding: c.Encoding, Value: c.Value, Size: c.Size}
	}

	return n, nil
}

// parseUTCTime parses an RFC3339 timestamp and normalizes it to UTC. RFC3339
// requires an explicit offset, so a timestamp without timezone information is
// rejected rather than assumed to be UTC.
func parseUTCTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// boxFromGeometry reduces a GeoJSON Point or Polygon to its bounding box
// envelope. A null geometry never reaches here; the caller leaves the box
// unset in that case.
func boxFromGeometry(g geometry) (*BoundingBox, error) {
	switch g.Type {
	case "Point":
		var coords []float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil || len(coords) < 2 {
			return nil, fmt.Errorf("invalid Point coordinates")
		}
		return &BoundingBox{West: coords[0], South: coords[1], East: coords[0], North: coords[1]}, nil
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil || len(rings) == 0 || len(rings[0]) == 0 {
			return nil, fmt.Errorf("invalid Polygon coordinates")
		}
		exterior := rings[0]
		if len(exterior[0]) < 2 {
			return nil, fmt.Errorf("invalid Polygon coordinates")
		}
		box := BoundingBox{West: exterior[0][0], South: exterior[0][1], East: exterior[0][0], North: exterior[0][1]}
		for _, pt := range exterior[1:] {
			if len(pt) < 2 {
				return nil, fmt.Errorf("invalid Polygon coordinates")
			}
			if pt[0] < box.West {
				box.West = pt[0]
			}
			if pt[0] > box.East {
				box.East = pt[0]
			}
			if pt[1] < box.South {
				box.South = pt[1]
			}
			if pt[1] > box.North {
				box.North = pt[1]
			}
		}
		return &box, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}
