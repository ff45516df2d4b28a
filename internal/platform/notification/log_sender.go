package notification

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// LogSender writes emails to the log instead of delivering them. Used when
// EMAIL_SENDER=log. The recipient is masked and the body is not logged.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "email").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().
		Str("to", maskEmail(to)).
		Str("subject", subject).
		Int("body_bytes", len(body)).
		Msg("email not delivered (log sender)")
	return nil
}

// maskEmail keeps the first character of the local part: j***@example.com.
func maskEmail(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
