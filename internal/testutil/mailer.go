package testutil

import (
	"context"
	"sync"
)

// SentMail is one message captured by RecordingMailer.
type SentMail struct {
	To      string
	Subject string
	Body    string
}

// RecordingMailer captures messages instead of sending them. Err, when set,
// is returned from every Send and nothing is recorded.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []SentMail
	Err  error
}

func (m *RecordingMailer) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, Body: htmlBody})
	return nil
}

func (m *RecordingMailer) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.sent...)
}
