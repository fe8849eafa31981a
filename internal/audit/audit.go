// Package audit defines the security-event sink the sync engine reports to.
// The engine calls the sink on every trust transition, conflict, and sync
// outcome; where those records end up is the collaborator's concern.
package audit

import "log/slog"

// Sink records security-relevant events.
type Sink interface {
	LogSecurityEvent(action, resource string, success bool, details map[string]string)
}

// LogSink writes security events to the default slog logger.
type LogSink struct{}

// NewLogSink returns a Sink backed by slog.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// LogSecurityEvent implements Sink.
func (s *LogSink) LogSecurityEvent(action, resource string, success bool, details map[string]string) {
	args := []any{"action", action, "resource", resource, "success", success}
	for k, v := range details {
		args = append(args, k, v)
	}
	if success {
		slog.Info("security event", args...)
	} else {
		slog.Warn("security event", args...)
	}
}

// Nop is a Sink that discards everything. Used in tests.
type Nop struct{}

// LogSecurityEvent implements Sink.
func (Nop) LogSecurityEvent(string, string, bool, map[string]string) {}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// LogSecurityEvent implements Sink.
func (f Fanout) LogSecurityEvent(action, resource string, success bool, details map[string]string) {
	for _, s := range f {
		s.LogSecurityEvent(action, resource, success, details)
	}
}
