package filter

import (
	"fmt"
	"strings"

	"wis2sub/internal/wnm"
)

const (
	// SingleLevelWildcard matches exactly one topic segment.
	SingleLevelWildcard = "+"
	// MultiLevelWildcard matches zero or more trailing segments. It may only
	// appear as the final segment of a pattern.
	MultiLevelWildcard = "#"
)

// TopicPattern is a parsed hierarchical wildcard pattern.
type TopicPattern struct {
	raw      string
	segments []string
}

// ParseTopicPattern validates and parses a wildcard topic pattern.
func ParseTopicPattern(raw string) (TopicPattern, error) {
	if raw == "" {
		return TopicPattern{}, fmt.Errorf("topic pattern must not be empty")
	}

	segments := strings.Split(raw, wnm.TopicSeparator)
	for i, segment := range segments {
		switch {
		case segment == "":
			return TopicPattern{}, fmt.Errorf("topic pattern %q has an empty segment", raw)
		case segment == MultiLevelWildcard:
			if i != len(segments)-1 {
				return TopicPattern{}, fmt.Errorf("topic pattern %q: %s is only allowed as the final segment", raw, MultiLevelWildcard)
			}
		case strings.Contains(segment, SingleLevelWildcard) && segment != SingleLevelWildcard:
			return TopicPattern{}, fmt.Errorf("topic pattern %q: %s must occupy a whole segment", raw, SingleLevelWildcard)
		case strings.Contains(segment, MultiLevelWildcard):
			return TopicPattern{}, fmt.Errorf("topic pattern %q: %s must occupy a whole segment", raw, MultiLevelWildcard)
		}
	}

	return TopicPattern{raw: raw, segments: segments}, nil
}

func (p TopicPattern) String() string {
	return p.raw
}

// Match reports whether the topic matches the pattern segment for segment.
func (p TopicPattern) Match(topic string) bool {
	topicSegments := strings.Split(topic, wnm.TopicSeparator)

	for i, patternSegment := range p.segments {
		if patternSegment == MultiLevelWildcard {
			// matches the remaining segments, including none
			return true
		}
		if i >= len(topicSegments) {
			return false
		}
		if patternSegment != SingleLevelWildcard && patternSegment != topicSegments[i] {
			return false
		}
	}

	return len(topicSegments) == len(p.segments)
}
