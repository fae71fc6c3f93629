package backend

import (
	"errors"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mczdsm/HVlocalsmtp/audit"
	"github.com/mczdsm/HVlocalsmtp/intake"
	"github.com/mczdsm/HVlocalsmtp/metrics"
	"github.com/mczdsm/HVlocalsmtp/notify"
)

// Session implements smtp.Session interface for handling a single SMTP connection
// Each connection gets its own session instance with isolated state
type Session struct {
	// Unique identifier for this connection
	uuid string

	backend *Backend
	conn    *smtp.Conn

	// SMTP transaction state
	from string   // MAIL FROM
	to   []string // RCPT TO addresses

	log *zap.Logger
}

// NewSession creates a new SMTP session instance
func NewSession(c *smtp.Conn, b *Backend) *Session {
	sid := uuid.NewString()

	s := &Session{
		uuid:    sid,
		backend: b,
		conn:    c,
		log:     b.log.With(zap.String("uuid", sid)),
	}

	// Track this session for graceful shutdown
	b.cfg.Connections.Store(sid, s)

	s.log.Debug("session opened", zap.String("remote_addr", s.remoteAddr()))
	return s
}

// Mail handles MAIL FROM command
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	s.log.Debug("MAIL FROM", zap.String("from", from))
	return nil
}

// Rcpt handles RCPT TO command
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if limit := s.backend.cfg.MaxRecipients; limit > 0 && len(s.to) >= limit {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	s.to = append(s.to, to)
	s.log.Debug("RCPT TO", zap.String("to", to))
	return nil
}

// Data handles DATA command: reads the message, runs the intake pipeline and
// maps its decision to an SMTP reply.
func (s *Session) Data(r io.Reader) error {
	cfg := &s.backend.cfg
	start := time.Now()

	buf := cfg.Buffers.Get()
	defer cfg.Buffers.Put(buf)

	limit := cfg.MaxMessageSize
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	n, err := buf.ReadFrom(r)
	switch {
	case errors.Is(err, smtp.ErrDataTooLarge):
		return s.oversize(limit)
	case err != nil:
		s.log.Error("failed to read message body", zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	case limit > 0 && n > limit:
		return s.oversize(limit)
	}

	res := cfg.Pipeline.Handle(intake.Message{
		From:       s.from,
		Recipients: s.to,
		Raw:        buf.Bytes(),
	})
	metrics.ObserveDelivery(res, time.Since(start))
	s.record(audit.NewRecord(s.uuid, s.remoteAddr(), s.envelope(), res))

	if res.Outcome == intake.Accept {
		s.log.Info("message accepted",
			zap.String("from", s.from),
			zap.String("recipient", string(res.Report.Token)),
			zap.Int("stored", len(res.Report.Stored)),
			zap.Int("skipped", len(res.Report.Skipped)),
		)
		cfg.Notifier.Dispatch(notify.Delivery{
			UUID:      s.uuid,
			Address:   notify.Address(res.Report.Token, cfg.NotifyDomain, s.to[0]),
			Token:     res.Report.Token,
			Directory: res.Report.Directory,
			Files:     res.Report.Stored,
		})
	}

	return Status(res)
}

func (s *Session) oversize(limit int64) error {
	s.log.Warn("message too large", zap.Int64("limit", limit))
	s.record(audit.NewOversizeRecord(s.uuid, s.remoteAddr(), s.envelope()))
	metrics.ObserveOversize()
	return &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Message too large",
	}
}

func (s *Session) record(rec *audit.Record) {
	if err := s.backend.cfg.Journal.Append(rec); err != nil {
		s.log.Error("failed to append journal record", zap.Error(err))
	}
}

func (s *Session) envelope() audit.Envelope {
	env := audit.Envelope{
		From: s.from,
		To:   append([]string(nil), s.to...),
	}
	if s.conn != nil {
		env.Helo = s.conn.Hostname()
	}
	return env
}

func (s *Session) remoteAddr() string {
	if s.conn == nil || s.conn.Conn() == nil {
		return ""
	}
	return s.conn.Conn().RemoteAddr().String()
}

// Reset handles RSET command - resets transaction state
func (s *Session) Reset() {
	s.from = ""
	s.to = nil

	s.log.Debug("session reset")
}

// Logout handles connection close
func (s *Session) Logout() error {
	s.backend.cfg.Connections.Delete(s.uuid)
	s.log.Debug("session logout")
	return nil
}

// Status maps a pipeline result to the SMTP reply: nil for 250, an
// *smtp.SMTPError otherwise.
func Status(res intake.Result) error {
	switch res.Outcome {
	case intake.Accept:
		return nil
	case intake.TemporaryReject:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure storing message, try again later",
		}
	}

	switch res.Reason {
	case intake.ReasonNoRecipient, intake.ReasonMalformedAddress, intake.ReasonUnsafeLocalPart:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Recipient rejected: " + string(res.Reason),
		}
	default:
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message rejected: " + string(res.Reason),
		}
	}
}
