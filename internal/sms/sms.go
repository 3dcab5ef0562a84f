// Package sms delivers verification codes over SMS.
package sms

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotConfigured is returned by NewTwilioSender when credentials are missing.
var ErrNotConfigured = errors.New("sms provider not configured")

// Sender sends one text message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// LogSender writes messages to the log instead of a carrier. Development only:
// the message body (and thus the code) is logged at debug level.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, body string) error {
	slog.DebugContext(ctx, "sms not sent (log sender)", "to", to, "body", body)
	return nil
}
