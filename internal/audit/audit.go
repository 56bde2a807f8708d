// Package audit carries the engine's security audit trail: structured
// events dispatched asynchronously to a pluggable sink.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	EventLogin           = "login"
	EventLoginFailed     = "login_failed"
	EventRegister        = "register"
	EventLogout          = "logout"
	EventRefreshRotated  = "refresh_rotated"
	EventReuseDetected   = "refresh_reuse_detected"
	EventFamilyRevoked   = "refresh_family_revoked"
	EventSessionCreated  = "session_created"
	EventSessionExpired  = "session_expired"
	EventOAuthStarted    = "oauth_started"
	EventOAuthCompleted  = "oauth_completed"
	EventOAuthFailed     = "oauth_failed"
	EventPasswordReset   = "password_reset"
	EventEmailVerified   = "email_verified"
	EventKeyRotated      = "signing_key_rotated"
	EventCSRFRejected    = "csrf_rejected"
	EventCleanupExpired  = "cleanup_expired"
	EventAccountLinked   = "provider_account_linked"
	EventAccountCreated  = "account_created"
	EventStateMismatched = "oauth_state_mismatch"
)

// Event is the canonical audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	FamilyID  string            `json:"family_id,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
