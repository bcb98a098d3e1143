package filter

import (
	"fmt"
	"time"

	apperrors "wis2sub/pkg/errors"

	"wis2sub/internal/wnm"
)

// CombinationMode controls how the predicate families (topic, bounding box,
// time window) are combined.
type CombinationMode int

const (
	// ModeAll requires every configured predicate family to match.
	ModeAll CombinationMode = iota
	// ModeAny requires at least one configured family to match.
	ModeAny
)

func ParseCombinationMode(s string) (CombinationMode, error) {
	switch s {
	case "", "all":
		return ModeAll, nil
	case "any":
		return ModeAny, nil
	default:
		return 0, fmt.Errorf("unknown combination mode %q (want all or any)", s)
	}
}

func (m CombinationMode) String() string {
	if m == ModeAny {
		return "any"
	}
	return "all"
}

// TimeWindow is an inclusive [start, end] interval; a nil bound is open.
type TimeWindow struct {
	Start *time.Time
	End   *time.Time
}

func (w TimeWindow) isConfigured() bool {
	return w.Start != nil || w.End != nil
}

func (w TimeWindow) contains(t time.Time) bool {
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	if w.End != nil && t.After(*w.End) {
		return false
	}
	return true
}

// Criteria is the user-supplied interest set evaluated against every
// validated notification. Immutable after construction; safe to evaluate
// concurrently.
type Criteria struct {
	patterns []TopicPattern
	box      *wnm.BoundingBox
	window   TimeWindow
	mode     CombinationMode
}

// NewCriteria validates the supplied predicate configuration. Invalid
// patterns, boxes, or windows fail with a configuration error before the
// subscription starts.
func NewCriteria(topics []string, box *wnm.BoundingBox, window TimeWindow, mode CombinationMode) (*Criteria, error) {
	c := &Criteria{window: window, mode: mode}

	for _, raw := range topics {
		pattern, err := ParseTopicPattern(raw)
		if err != nil {
			return nil, apperrors.ErrConfiguration.WithCause(err).WithDetail("message", err.Error())
		}
		c.patterns = append(c.patterns, pattern)
	}

	if box != nil {
		if err := box.Validate(); err != nil {
			return nil, apperrors.ErrConfiguration.WithCause(err).WithDetail("message", fmt.Sprintf("invalid bounding box: %v", err))
		}
		boxCopy := *box
		c.box = &boxCopy
	}

	if window.Start != nil && window.End != nil && window.Start.After(*window.End) {
		return nil, apperrors.ErrConfiguration.WithDetail("message", "time window start must not be after end")
	}

	return c, nil
}

// Mode returns the configured combination mode.
func (c *Criteria) Mode() CombinationMode {
	return c.mode
}

// Matches evaluates the notification against the criteria. Under ALL every
// configured family must match (unconfigured families are always satisfied);
// under ANY a single configured family matching suffices, and unconfigured
// families are excluded from the evaluation.
func (c *Criteria) Matches(n wnm.Notification) bool {
	type family struct {
		configured bool
		matched    bool
	}

	families := []family{
		{configured: len(c.patterns) > 0, matched: c.matchTopic(n)},
		{configured: c.box != nil, matched: c.matchBox(n)},
		{configured: c.window.isConfigured(), matched: c.window.contains(n.PubTime)},
	}

	if c.mode == ModeAny {
		anyConfigured := false
		for _, f := range families {
			if !f.configured {
				continue
			}
			anyConfigured = true
			if f.matched {
				return true
			}
		}
		// no configured families means no constraints at all
		return !anyConfigured
	}

	for _, f := range families {
		if f.configured && !f.matched {
			return false
		}
	}
	return true
}

// matchTopic ORs across the configured patterns regardless of the outer mode.
func (c *Criteria) matchTopic(n wnm.Notification) bool {
	for _, pattern := range c.patterns {
		if pattern.Match(n.Topic) {
			return true
		}
	}
	return false
}

// matchBox requires a geometric intersection. A notification without a box
// cannot confirm its location, so it is excluded under a box filter.
func (c *Criteria) matchBox(n wnm.Notification) bool {
	if c.box == nil {
		return false
	}
	if n.Box == nil {
		return false
	}
	return c.box.Intersects(*n.Box)
}
