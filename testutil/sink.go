package testutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/tapstream/message"
)

// MessageSink captures protocol output. Every Write call is recorded so
// tests can check that each line arrived in a single write.
type MessageSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  int
	flushes int
}

// NewMessageSink creates an empty sink.
func NewMessageSink() *MessageSink {
	return &MessageSink{}
}

// Write appends p.
func (s *MessageSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.buf.Write(p)
}

// Flush counts flushes.
func (s *MessageSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// Writes returns the number of Write calls.
func (s *MessageSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Flushes returns the number of Flush calls.
func (s *MessageSink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// String returns everything written so far.
func (s *MessageSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Lines returns the written lines without their terminators.
func (s *MessageSink) Lines() []string {
	out := s.String()
	if out == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(out, "\n"), "\n")
}

// Messages parses every written line.
func (s *MessageSink) Messages(t testing.TB) []message.Message {
	t.Helper()
	lines := s.Lines()
	msgs := make([]message.Message, 0, len(lines))
	for _, line := range lines {
		msg, err := message.Parse([]byte(line))
		require.NoError(t, err, line)
		msgs = append(msgs, msg)
	}
	return msgs
}

// Types returns the type of every written message, in order.
func (s *MessageSink) Types(t testing.TB) []message.Type {
	t.Helper()
	msgs := s.Messages(t)
	types := make([]message.Type, len(msgs))
	for i, msg := range msgs {
		types[i] = msg.MessageType()
	}
	return types
}

// OfType returns the written messages of type typ.
func OfType[T message.Message](msgs []message.Message) []T {
	var out []T
	for _, msg := range msgs {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}
