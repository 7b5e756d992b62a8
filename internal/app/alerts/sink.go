package alerts

import (
	"context"
	"log"
)

// Sink delivers formatted alert messages to one destination. Transports such
// as Telegram or webhooks implement this interface outside the repo.
type Sink interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// LogSink writes alerts to the process log. It is the default destination
// when no external sink is configured.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink constructs a log-backed sink. A nil logger uses log.Default.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink in counters and dead letters.
func (s *LogSink) Name() string { return "log" }

// Send writes the message to the log. It never fails.
func (s *LogSink) Send(_ context.Context, message string) error {
	s.logger.Printf("alert: %s", message)
	return nil
}
