package wnm

import (
	"fmt"
	"time"
)

// Notification is the decoded form of one WIS2 Notification Message (WNM).
// It is immutable after decoding; the validator and filter stages read it and
// pass it along unchanged.
type Notification struct {
	ID          string
	Conformance string // conformsTo URI or the deprecated version tag
	Topic       string
	PubTime     time.Time // always UTC
	DataID      string
	MetadataID  string
	Producer    string
	Box         *BoundingBox
	Links       []Link
	Content     *Content
}

// BoundingBox is a rectangular geographic extent in decimal degrees.
// West > East means the box spans the antimeridian.
type BoundingBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// SpansAntimeridian reports whether the box wraps across the 180th meridian.
func (b BoundingBox) SpansAntimeridian() bool {
	return b.West > b.East
}

// Validate checks the coordinate invariants: south ≤ north and both pairs
// within [-180,180]×[-90,90]. West > east is legal (antimeridian wrap).
func (b BoundingBox) Validate() error {
	if b.South > b.North {
		return fmt.Errorf("south (%g) must not exceed north (%g)", b.South, b.North)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitudes must lie within [-90, 90]")
	}
	if b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180 {
		return fmt.Errorf("longitudes must lie within [-180, 180]")
	}
	return nil
}

// Intersects reports whether the two boxes share at least one point.
// Touching edges count as an intersection.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	if b.South > o.North || o.South > b.North {
		return false
	}

	for _, bi := range b.lonIntervals() {
		for _, oi := range o.lonIntervals() {
			if bi[0] <= oi[1] && oi[0] <= bi[1] {
				return true
			}
		}
	}
	return false
}

// lonIntervals splits a wrapping box into its two longitude lobes.
func (b BoundingBox) lonIntervals() [][2]float64 {
	if b.SpansAntimeridian() {
		return [][2]float64{{b.West, 180}, {-180, b.East}}
	}
	return [][2]float64{{b.West, b.East}}
}

// Link is one content link of a notification.
type Link struct {
	Href      string
	Rel       string
	Type      string
	Length    *int64
	Integrity *Integrity
}

// Integrity describes the checksum of the data a link points at. The value is
// the base64 encoding of the digest.
type Integrity struct {
	Method string
	Value  string
}

// Content is a small data product embedded inline in the notification.
// The WNM standard caps the encoded size at 4096 bytes.
type Content struct {
	Encoding string
	Value    string
	Size     int
}

const ContentMaxBytes = 4096

// RelCanonical and friends are the link relations of which at least one must
// appear in a standard-conformant WNM links array.
const (
	RelCanonical = "canonical"
	RelUpdate    = "update"
	RelDeletion  = "deletion"
)
