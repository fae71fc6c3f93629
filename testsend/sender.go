package testsend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	// DefaultFrom is the envelope sender of synthetic scans.
	DefaultFrom = "test-scanner@system.local"
	// DefaultDomain is the recipient domain of synthetic scans.
	DefaultDomain = "scanners.local"
)

// DefaultRecipients are the mailbox names the sender cycles through.
var DefaultRecipients = []string{"bsmith", "jdoe", "pjones", "mwilliams"}

// Send composes m and submits it to addr over plain SMTP without
// authentication.
func Send(addr string, m Mail) error {
	const op = errors.Op("testsend_send")

	raw, err := Compose(m)
	if err != nil {
		return err
	}
	if err := Deliver(addr, m.From, m.To, bytes.NewReader(raw)); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Deliver submits an already composed message to addr. Unlike smtp.SendMail
// it never asks for STARTTLS, which the intake listener does not offer.
// Rejections come back unwrapped as *smtp.SMTPError.
func Deliver(addr, from string, to []string, r io.Reader) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()

	if err := c.SendMail(from, to, r); err != nil {
		return err
	}
	return c.Quit()
}

// Sender periodically submits synthetic scans to a listener.
type Sender struct {
	addr       string
	domain     string
	recipients []string

	StartDelay time.Duration
	Interval   time.Duration
	Backoff    time.Duration

	send func(addr string, m Mail) error
	log  *zap.Logger
}

// NewSender returns a sender targeting addr with the default cadence:
// first message after 2s, then every 2s, 5s pause after a failure.
func NewSender(addr string, log *zap.Logger) *Sender {
	return &Sender{
		addr:       addr,
		domain:     DefaultDomain,
		recipients: DefaultRecipients,
		StartDelay: 2 * time.Second,
		Interval:   2 * time.Second,
		Backoff:    5 * time.Second,
		send:       Send,
		log:        log,
	}
}

// Message builds the n-th synthetic scan, counting from 1.
func (s *Sender) Message(n int) Mail {
	kind := Kinds[(n-1)%len(Kinds)]
	rcpt := s.recipients[(n-1)%len(s.recipients)] + "@" + s.domain

	return Mail{
		From:    DefaultFrom,
		To:      []string{rcpt},
		Subject: fmt.Sprintf("Scanned from Test-Mode (%s)", strings.ToUpper(kind.Name)),
		Text:    "Image data has been attached.",
		Attachments: []Attachment{{
			Filename:    fmt.Sprintf("test_%d%s", n, kind.Extension),
			ContentType: kind.ContentType,
			Content:     DummyContent(kind.Name),
		}},
	}
}

// Run sends messages until ctx is cancelled. It always returns ctx.Err().
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("test sender started", zap.String("addr", s.addr))

	if err := sleep(ctx, s.StartDelay); err != nil {
		return err
	}

	for n := 1; ; {
		m := s.Message(n)
		wait := s.Interval

		if err := s.send(s.addr, m); err != nil {
			s.log.Error("test message not delivered",
				zap.String("to", m.To[0]),
				zap.String("filename", m.Attachments[0].Filename),
				zap.Error(err),
			)
			wait = s.Backoff
		} else {
			s.log.Debug("test message sent",
				zap.String("to", m.To[0]),
				zap.String("filename", m.Attachments[0].Filename),
			)
			n++
		}

		if err := sleep(ctx, wait); err != nil {
			s.log.Info("test sender stopped")
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
