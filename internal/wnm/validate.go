package wnm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "wis2sub/pkg/errors"
)

// ValidationError reports the first (or, in collect-all mode, one of the)
// schema violations found in a decoded notification.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrValidation }

func (e *ValidationError) IsFatal() bool { return true }

// Mode selects between fail-fast (stop at the first violation) and
// collect-all (accumulate every violation before failing).
type Mode int

const (
	FailFast Mode = iota
	CollectAll
)

const (
	// TopicSeparator splits a hierarchical topic into segments.
	TopicSeparator = "/"

	// DefaultMaxFutureSkew is how far a pubtime may lie in the future before
	// it is considered invalid.
	DefaultMaxFutureSkew = 10 * time.Minute
)

var allowedLinkSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
	"sftp":  true,
}

// integrityValueLen maps each recognized checksum method to the length of the
// base64 encoding of its digest.
var integrityValueLen = map[string]int{
	"sha256":   44,
	"sha384":   64,
	"sha512":   88,
	"sha3-256": 44,
	"sha3-384": 64,
	"sha3-512": 88,
}

var allowedContentEncodings = map[string]bool{
	"utf-8":  true,
	"base64": true,
	"gzip":   true,
}

// Validator checks structural and semantic constraints of decoded
// notifications. It never transforms the notification. Safe for concurrent
// use: all fields are read-only after construction.
type Validator struct {
	mode          Mode
	maxFutureSkew time.Duration
	now           func() time.Time
}

type ValidatorOption func(*Validator)

func WithMode(m Mode) ValidatorOption {
	return func(v *Validator) { v.mode = m }
}

func WithMaxFutureSkew(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.maxFutureSkew = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		mode:          FailFast,
		maxFutureSkew: DefaultMaxFutureSkew,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns the notification unchanged, or fails with the first
// violation found. In collect-all mode every violation is accumulated and
// joined into one error. Re-validating an already-valid notification always
// succeeds.
func (v *Validator) Validate(n Notification) (Notification, error) {
	violations := v.collect(n)
	if len(violations) == 0 {
		return n, nil
	}
	if v.mode == FailFast {
		return Notification{}, violations[0]
	}
	return Notification{}, errors.Join(violations...)
}

// collect runs the ordered check sequence, stopping after the first violation
// in fail-fast mode.
func (v *Validator) collect(n Notification) []error {
	var out []error
	add := func(field, reason string) {
		out = append(out, &ValidationError{Field: field, Reason: reason})
	}
	done := func() bool {
		return v.mode == FailFast && len(out) > 0
	}

	if n.ID == "" {
		add("id", "identifier must not be empty")
	} else if _, err := uuid.Parse(n.ID); err != nil {
		add("id", "identifier must be a UUID")
	}
	if done() {
		return out
	}

	if reason := checkTopic(n.Topic); reason != "" {
		add("topic", reason)
	}
	if done() {
		return out
	}

	if skew := n.PubTime.Sub(v.now()); skew > v.maxFutureSkew {
		add("pubtime", fmt.Sprintf("pubtime is %s in the future, tolerance is %s", skew, v.maxFutureSkew))
	}
	if done() {
		return out
	}

	if n.Box != nil {
		if err := n.Box.Validate(); err != nil {
			add("geometry", err.Error())
		}
	}
	if done() {
		return out
	}

	for i, link := range n.Links {
		if reason := checkLink(link); reason != "" {
			add(fmt.Sprintf("links[%d]", i), reason)
			if v.mode == FailFast {
				return out
			}
		}
	}

	if v.mode == CollectAll {
		v.collectConformance(n, add)
	}

	return out
}

// collectConformance covers the WNM requirements beyond the core field
// checks; only applied in collect-all mode where exhaustive diagnostics are
// wanted.
func (v *Validator) collectConformance(n Notification, add func(field, reason string)) {
	if n.Conformance == "" {
		add("conformsTo", "must declare conformsTo or version")
	}

	if len(n.Links) > 0 {
		found := false
		for _, link := range n.Links {
			if link.Rel == RelCanonical || link.Rel == RelUpdate || link.Rel == RelDeletion {
				found = true
				break
			}
		}
		if !found {
			add("links", "at least one link must have rel canonical, update, or deletion")
		}
	}

	if n.Content != nil {
		if !allowedContentEncodings[n.Content.Encoding] {
			add("content.encoding", fmt.Sprintf("unrecognized encoding %q", n.Content.Encoding))
		}
		if n.Content.Size > ContentMaxBytes {
			add("content.size", fmt.Sprintf("inline content exceeds %d bytes", ContentMaxBytes))
		}
	}
}

func checkTopic(topic string) string {
	if topic == "" {
		return "topic must not be empty"
	}
	for _, segment := range strings.Split(topic, TopicSeparator) {
		if segment == "" {
			return "topic must not contain empty segments"
		}
	}
	return ""
}

func checkLink(link Link) string {
	u, err := url.Parse(link.Href)
	if err != nil {
		return fmt.Sprintf("invalid URL %q", link.Href)
	}
	if !allowedLinkSchemes[u.Scheme] {
		return fmt.Sprintf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Sprintf("URL %q has no host", link.Href)
	}

	if link.Integrity != nil {
		wantLen, ok := integrityValueLen[link.Integrity.Method]
		if !ok {
			return fmt.Sprintf("unrecognized integrity method %q", link.Integrity.Method)
		}
		if len(link.Integrity.Value) != wantLen {
			return fmt.Sprintf("integrity value length %d does not match method %s (want %d)",
				len(link.Integrity.Value), link.Integrity.Method, wantLen)
		}
	}

	if link.Length != nil && *link.Length < 0 {
		return "length must not be negative"
	}
	return ""
}
