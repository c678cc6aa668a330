package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-queue/internal/job"
	"reliable-queue/internal/retry"
)

type recordingSender struct {
	sent []EmailMessage
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func emailEnvelope(attempt int, payload string) job.Envelope {
	return job.Envelope{ID: "e1", Topic: EmailTopic, Attempt: attempt, Payload: []byte(payload)}
}

func TestEmailSends(t *testing.T) {
	s := &recordingSender{}
	h := NewEmail(s, nil)
	require.NoError(t, h.Handle(context.Background(), emailEnvelope(1, `{"to":"a@b.com","subject":"hi"}`)))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "a@b.com", s.sent[0].To)
}

func TestEmailFailsUntilAttempt(t *testing.T) {
	s := &recordingSender{}
	h := NewEmail(s, nil)
	payload := `{"to":"a@b.com","fail_until_attempt":2}`

	err := h.Handle(context.Background(), emailEnvelope(1, payload))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
	assert.Empty(t, s.sent)

	require.NoError(t, h.Handle(context.Background(), emailEnvelope(2, payload)))
	assert.Len(t, s.sent, 1)
}

func TestEmailRejectsBadPayloads(t *testing.T) {
	h := NewEmail(&recordingSender{}, nil)
	for _, payload := range []string{`{}`, `{"to":"not an address"}`, `[1,2]`} {
		err := h.Handle(context.Background(), emailEnvelope(1, payload))
		assert.True(t, retry.IsPermanent(err), payload)
	}
}

func TestEmailSenderErrorIsRetryable(t *testing.T) {
	h := NewEmail(&recordingSender{err: errors.New("421 try later")}, nil)
	err := h.Handle(context.Background(), emailEnvelope(1, `{"to":"a@b.com"}`))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestEmailHonoursCancellation(t *testing.T) {
	h := NewEmail(&recordingSender{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.Handle(ctx, emailEnvelope(1, `{"to":"a@b.com","duration_ms":5000}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
