package sink

import (
	"encoding/json"
	"time"

	"wis2sub/internal/wnm"
)

// JSON shapes for emitted notifications. Optional fields keep omitempty so
// an unset bounding box or integrity descriptor disappears from the output
// instead of showing up zero-valued.
type notificationJSON struct {
	ID          string     `json:"id"`
	Conformance string     `json:"conformance,omitempty"`
	Topic       string     `json:"topic"`
	PubTime     string     `json:"pubtime"`
	DataID      string     `json:"data_id,omitempty"`
	MetadataID  string     `json:"metadata_id,omitempty"`
	Producer    string     `json:"producer,omitempty"`
	BBox        []float64  `json:"bbox,omitempty"`
	Links       []linkJSON `json:"links,omitempty"`
}

type linkJSON struct {
	Href      string         `json:"href"`
	Rel       string         `json:"rel,omitempty"`
	Type      string         `json:"type,omitempty"`
	Length    *int64         `json:"length,omitempty"`
	Integrity *integrityJSON `json:"integrity,omitempty"`
}

type integrityJSON struct {
	Method string `json:"method"`
	Value  string `json:"value"`
}

func toJSON(n wnm.Notification) notificationJSON {
	out := notificationJSON{
		ID:          n.ID,
		Conformance: n.Conformance,
		Topic:       n.Topic,
		PubTime:     n.PubTime.Format(time.RFC3339),
		DataID:      n.DataID,
		MetadataID:  n.MetadataID,
		Producer:    n.Producer,
	}

	if n.Box != nil {
		out.BBox = []float64{n.Box.West, n.Box.South, n.Box.East, n.Box.North}
	}

	for _, link := range n.Links {
		lj := linkJSON{Href: link.Href, Rel: link.Rel, Type: link.Type, Length: link.Length}
		if link.Integrity != nil {
			lj.Integrity = &integrityJSON{Method: link.Integrity.Method, Value: link.Integrity.Value}
		}
		out.Links = append(out.Links, lj)
	}

	return out
}

// Encode renders a notification as compact or indented JSON.
func Encode(n wnm.Notification, indent bool) ([]byte, error) {
	if indent {
		return json.MarshalIndent(toJSON(n), "", "  ")
	}
	return json.Marshal(toJSON(n))
}
