// Package notify delivers outbound email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"alertdesk/internal/config"
)

type Message struct {
	Kind    string
	To      string
	Subject string
	HTML    string
}

// Sender delivers a message and reports whether it was accepted.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// New returns the sender selected by cfg.Mode.
func New(cfg config.MailConfig, log *logrus.Logger) (Sender, error) {
	switch cfg.Mode {
	case "smtp":
		return NewSMTPSender(cfg), nil
	case "log", "":
		return LogSender{Log: log}, nil
	}
	return nil, fmt.Errorf("unknown mail mode %q", cfg.Mode)
}

type SMTPSender struct {
	Dialer *gomail.Dialer
	From   string
}

func NewSMTPSender(cfg config.MailConfig) SMTPSender {
	return SMTPSender{
		Dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		From:   cfg.From,
	}
}

func (s SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	if err := s.Dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// LogSender writes messages to the log instead of sending them. Bodies carry
// credentials, so they are only logged at debug level.
type LogSender struct {
	Log *logrus.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	if s.Log == nil {
		return nil
	}
	entry := s.Log.WithFields(logrus.Fields{"kind": msg.Kind, "to": msg.To, "subject": msg.Subject})
	entry.Info("mail delivered to log")
	entry.WithField("body", msg.HTML).Debug("mail body")
	return nil
}

// Recorder keeps sent messages in memory. Setting Fail makes every Send
// return that error without recording.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Fail error
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) SetFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fail = err
}

func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// Last returns the most recent message sent to recipient.
func (r *Recorder) Last(to string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].To == to {
			return r.sent[i], nil
		}
	}
	return Message{}, errors.New("no message for " + to)
}
