package monitor

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/events"
)

// AlertKindDenialStreak is raised by the monitor itself, not by a session.
const AlertKindDenialStreak = "denial_streak"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(alert events.RiskAlert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Send(a events.RiskAlert) error {
	ev := s.logger.Warn()
	if a.Kind == events.AlertFatalStop || a.Kind == events.AlertReconcileFailed {
		ev = s.logger.Error()
	}
	ev.Str("user", a.UserID).Str("kind", a.Kind).Time("at", a.Time).Msg(a.Message)
	return nil
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(events.RiskAlert) error

func (f SinkFunc) Send(a events.RiskAlert) error { return f(a) }
