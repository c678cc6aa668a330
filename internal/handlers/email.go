// Package handlers holds the sample topic handlers shipped with the worker.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"reliable-queue/internal/job"
	"reliable-queue/internal/retry"
)

// EmailTopic is the topic the email handler serves.
const EmailTopic = "email"

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is the email payload.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	// FailUntilAttempt makes deliveries before this attempt fail, for
	// exercising retries end to end.
	FailUntilAttempt int `json:"fail_until_attempt,omitempty"`
	// DurationMS simulates a slow send.
	DurationMS int `json:"duration_ms,omitempty"`
}

// Email validates and sends email payloads.
type Email struct {
	sender Sender
}

// NewEmail builds the handler. A nil sender logs messages instead of
// sending them.
func NewEmail(sender Sender, logger *slog.Logger) *Email {
	if sender == nil {
		if logger == nil {
			logger = slog.Default()
		}
		sender = LogSender{Logger: logger}
	}
	return &Email{sender: sender}
}

// Handle processes one email envelope.
func (h *Email) Handle(ctx context.Context, env job.Envelope) error {
	var msg EmailMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return retry.Permanent(fmt.Errorf("decode email payload: %w", err))
	}
	if msg.To == "" {
		return retry.Permanent(errors.New("email payload: to is required"))
	}
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return retry.Permanent(fmt.Errorf("email payload: invalid address %q: %w", msg.To, err))
	}

	if msg.DurationMS > 0 {
		select {
		case <-time.After(time.Duration(msg.DurationMS) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if env.Attempt < msg.FailUntilAttempt {
		return fmt.Errorf("simulated failure on attempt %d of %d", env.Attempt, msg.FailUntilAttempt)
	}
	return h.sender.Send(ctx, msg)
}

// LogSender writes messages to the log.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg EmailMessage) error {
	s.Logger.InfoContext(ctx, "email sent", slog.String("to", msg.To), slog.String("subject", msg.Subject))
	return nil
}
