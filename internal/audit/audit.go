// Package audit implements the audit/access/change log hook points of
// a tri-state sink config (Off/On/Defer): a Sink interface the
// dispatcher calls into at the points original_source's auditlog.c
// calls slapd_log_audit, with the log-file format itself left out of
// scope.
package audit

import (
	"github.com/ethereum/go-ethereum/log"
)

// State is one of a PluginConfig log field's three settings.
type State int

const (
	Off State = iota
	On
	Defer
)

// Enabled resolves State against ifDeferred, the server-wide default
// a Defer setting falls back to.
func (s State) Enabled(ifDeferred bool) bool {
	switch s {
	case On:
		return true
	case Off:
		return false
	default:
		return ifDeferred
	}
}

// Config holds the three independently-tri-stated log settings of
// a tri-state sink config.
type Config struct {
	Access State
	Audit  State
	Change State
}

// DefaultConfig turns every log on, matching a freshly started server
// with no PluginConfig overrides.
func DefaultConfig() Config {
	return Config{Access: On, Audit: On, Change: On}
}

// Event carries the minimum a sink needs to record one occurrence;
// richer before/after entry detail (the audit log's actual payload) is
// the caller's concern to attach via Message.
type Event struct {
	Op        string
	TargetDN  string
	Requestor string
	Code      int
	Message   string
}

// Sink receives log/access/change events the dispatcher emits.
type Sink interface {
	LogAccess(Event)
	LogAudit(Event)
	LogChange(Event)
}

// NoopSink discards every event; it is the default until a caller
// installs a real sink.
type NoopSink struct{}

func (NoopSink) LogAccess(Event) {}
func (NoopSink) LogAudit(Event)  {}
func (NoopSink) LogChange(Event) {}

// LogSink routes events to a structured logger, one log line per
// event, using a "component"-tagged log.New style.
type LogSink struct {
	log log.Logger
}

// NewLogSink constructs a LogSink writing through the ambient logger.
func NewLogSink() *LogSink {
	return &LogSink{log: log.New("component", "audit")}
}

func (s *LogSink) LogAccess(e Event) {
	s.log.Info("access", "op", e.Op, "dn", e.TargetDN, "requestor", e.Requestor, "code", e.Code)
}

func (s *LogSink) LogAudit(e Event) {
	s.log.Info("audit", "op", e.Op, "dn", e.TargetDN, "requestor", e.Requestor, "code", e.Code, "msg", e.Message)
}

func (s *LogSink) LogChange(e Event) {
	s.log.Info("change", "op", e.Op, "dn", e.TargetDN, "requestor", e.Requestor, "msg", e.Message)
}
