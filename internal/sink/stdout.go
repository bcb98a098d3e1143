package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	apperrors "wis2sub/pkg/errors"

	"wis2sub/internal/config"
	"wis2sub/internal/wnm"
)

// StdoutSink emits each accepted notification to a writer as JSON. The
// format controls framing: one compact object per line, indented objects,
// or NUL-terminated compact objects for piping into tools that split on \0.
type StdoutSink struct {
	mu     sync.Mutex
	w      io.Writer
	indent bool
	end    byte
}

func NewStdoutSink(cfg config.StdoutSinkConfig) *StdoutSink {
	s := &StdoutSink{w: os.Stdout, end: '\n'}
	switch cfg.Format {
	case "json-pretty":
		s.indent = true
	case "json-null":
		s.end = 0
	}
	return s
}

// NewWriterSink is NewStdoutSink with an explicit writer, for tests.
func NewWriterSink(w io.Writer, cfg config.StdoutSinkConfig) *StdoutSink {
	s := NewStdoutSink(cfg)
	s.w = w
	return s
}

func (s *StdoutSink) Accept(_ context.Context, n wnm.Notification) error {
	data, err := Encode(n, s.indent)
	if err != nil {
		return apperrors.ErrDispatch.WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, s.end)); err != nil {
		return apperrors.ErrDispatch.WithCause(fmt.Errorf("write failed: %w", err))
	}
	return nil
}

func (s *StdoutSink) Close() error {
	return nil
}
