/*
Package notify delivers resident-facing notifications.

Delivery is fire-and-forget from the engine's point of view: the engine
only enqueues notification jobs, and the notification worker calls a
Notifier. A delivery failure fails that job and nothing else.

IMPLEMENTATIONS:
  LogNotifier:  Writes the message to the structured log (default, dev)
  MailNotifier: Sends plain-text email over SMTP (mail.go)
  Recorder:     Keeps messages in memory (tests)
*/
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Message is one notification to one or more recipients.
type Message struct {
	To      []string
	Subject string
	Body    string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.log.Info("notification",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps every message. Set Err to make Notify fail.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Message(nil), r.messages...)
}
