package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wis2sub/pkg/errors"

	"wis2sub/internal/wnm"
)

func notification(topic string, box *wnm.BoundingBox, pubTime time.Time) wnm.Notification {
	return wnm.Notification{
		ID:      "31e9d66a-cd83-4be0-8603-a5e4dd4d4e14",
		Topic:   topic,
		PubTime: pubTime,
		Box:     box,
	}
}

var basePubTime = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func TestTopicPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"origin/+/wis2/#", "origin/a/wis2/x/y/z", true},
		{"origin/+/wis2/#", "origin/wis2/x", false},
		{"origin/+/wis2/#", "origin/a/wis2", true},
		{"origin/a/wis2", "origin/a/wis2", true},
		{"origin/a/wis2", "origin/a/wis2/x", false},
		{"origin/a/wis2/+", "origin/a/wis2/x", true},
		{"origin/a/wis2/+", "origin/a/wis2/x/y", false},
		{"#", "anything/at/all", true},
		{"cache/a/wis2/+/data/core/#", "cache/a/wis2/de-dwd/data/core/weather/surface", true},
		{"cache/a/wis2/+/data/core/#", "cache/a/wis2/de-dwd/data/recommended/weather", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.topic, func(t *testing.T) {
			pattern, err := ParseTopicPattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pattern.Match(tt.topic))
		})
	}
}

func TestParseTopicPatternRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"empty", ""},
		{"empty segment", "origin//wis2"},
		{"hash not final", "origin/#/wis2"},
		{"hash inside segment", "origin/ab#/wis2"},
		{"plus inside segment", "origin/a+b/wis2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopicPattern(tt.pattern)
			assert.Error(t, err)
		})
	}
}

func TestNewCriteriaRejectsInvalidConfiguration(t *testing.T) {
	end := basePubTime
	start := basePubTime.Add(time.Hour)

	tests := []struct {
		name   string
		topics []string
		box    *wnm.BoundingBox
		window TimeWindow
	}{
		{
			name:   "bad pattern",
			topics: []string{"origin/#/x"},
		},
		{
			name: "bad box",
			box:  &wnm.BoundingBox{West: 0, South: 50, East: 10, North: 40},
		},
		{
			name:   "window start after end",
			window: TimeWindow{Start: &start, End: &end},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCriteria(tt.topics, tt.box, tt.window, ModeAll)
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err))
		})
	}
}

func TestCriteriaBoxPredicate(t *testing.T) {
	criteriaBox := &wnm.BoundingBox{West: 0, South: 0, East: 10, North: 10}

	tests := []struct {
		name string
		box  *wnm.BoundingBox
		want bool
	}{
		{
			name: "overlapping box matches",
			box:  &wnm.BoundingBox{West: 5, South: 5, East: 15, North: 15},
			want: true,
		},
		{
			name: "disjoint box does not match",
			box:  &wnm.BoundingBox{West: 20, South: 20, East: 30, North: 30},
			want: false,
		},
		{
			name: "notification without box is excluded",
			box:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCriteria(nil, criteriaBox, TimeWindow{}, ModeAll)
			require.NoError(t, err)
			n := notification("origin/a/wis2/test", tt.box, basePubTime)
			assert.Equal(t, tt.want, c.Matches(n))
		})
	}
}

func TestCriteriaNoBoxIsVacuouslyTrue(t *testing.T) {
	c, err := NewCriteria([]string{"origin/#"}, nil, TimeWindow{}, ModeAll)
	require.NoError(t, err)

	n := notification("origin/a/wis2/test", nil, basePubTime)
	assert.True(t, c.Matches(n))
}

func TestCriteriaTimeWindow(t *testing.T) {
	start := basePubTime.Add(-time.Hour)
	end := basePubTime.Add(time.Hour)

	tests := []struct {
		name    string
		window  TimeWindow
		pubTime time.Time
		want    bool
	}{
		{"inside closed window", TimeWindow{Start: &start, End: &end}, basePubTime, true},
		{"before start", TimeWindow{Start: &start, End: &end}, start.Add(-time.Minute), false},
		{"after end", TimeWindow{Start: &start, End: &end}, end.Add(time.Minute), false},
		{"open start", TimeWindow{End: &end}, start.Add(-24 * time.Hour), true},
		{"open end", TimeWindow{Start: &start}, end.Add(24 * time.Hour), true},
		{"on boundary", TimeWindow{Start: &start, End: &end}, end, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCriteria(nil, nil, tt.window, ModeAll)
			require.NoError(t, err)
			n := notification("origin/a/wis2/test", nil, tt.pubTime)
			assert.Equal(t, tt.want, c.Matches(n))
		})
	}
}

func TestCriteriaAllVersusAny(t *testing.T) {
	// topic predicate matches, box predicate does not
	topics := []string{"origin/+/wis2/#"}
	box := &wnm.BoundingBox{West: 0, South: 0, East: 10, North: 10}
	n := notification("origin/a/wis2/test/data",
		&wnm.BoundingBox{West: 50, South: 50, East: 60, North: 60}, basePubTime)

	all, err := NewCriteria(topics, box, TimeWindow{}, ModeAll)
	require.NoError(t, err)
	assert.False(t, all.Matches(n))

	anyOf, err := NewCriteria(topics, box, TimeWindow{}, ModeAny)
	require.NoError(t, err)
	assert.True(t, anyOf.Matches(n))
}

func TestCriteriaAnyExcludesUnconfiguredFamilies(t *testing.T) {
	// Only the box family is configured and it does not match; the
	// unconfigured topic and window families must not satisfy ANY.
	box := &wnm.BoundingBox{West: 0, South: 0, East: 10, North: 10}
	c, err := NewCriteria(nil, box, TimeWindow{}, ModeAny)
	require.NoError(t, err)

	n := notification("origin/a/wis2/test",
		&wnm.BoundingBox{West: 50, South: 50, East: 60, North: 60}, basePubTime)
	assert.False(t, c.Matches(n))
}

func TestCriteriaWithNothingConfiguredMatchesEverything(t *testing.T) {
	for _, mode := range []CombinationMode{ModeAll, ModeAny} {
		c, err := NewCriteria(nil, nil, TimeWindow{}, mode)
		require.NoError(t, err)
		n := notification("origin/a/wis2/test", nil, basePubTime)
		assert.True(t, c.Matches(n), "mode %s", mode)
	}
}

func TestCriteriaTopicORAcrossPatterns(t *testing.T) {
	c, err := NewCriteria([]string{"cache/a/wis2/#", "origin/a/wis2/#"}, nil, TimeWindow{}, ModeAll)
	require.NoError(t, err)

	assert.True(t, c.Matches(notification("origin/a/wis2/x", nil, basePubTime)))
	assert.True(t, c.Matches(notification("cache/a/wis2/y", nil, basePubTime)))
	assert.False(t, c.Matches(notification("mirror/a/wis2/z", nil, basePubTime)))
}

func TestParseCombinationMode(t *testing.T) {
	mode, err := ParseCombinationMode("all")
	require.NoError(t, err)
	assert.Equal(t, ModeAll, mode)

	mode, err = ParseCombinationMode("any")
	require.NoError(t, err)
	assert.Equal(t, ModeAny, mode)

	mode, err = ParseCombinationMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAll, mode)

	_, err = ParseCombinationMode("sometimes")
	assert.Error(t, err)
}
