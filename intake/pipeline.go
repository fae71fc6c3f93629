// Package intake turns inbound scanner mail into files in per-recipient folders.
//
// The pipeline resolves the recipient folder, validates every attachment against
// a fixed table of content types and magic bytes, sanitizes the proposed
// filename and persists the payload with exclusive-create semantics, retrying
// under a fresh name when a concurrent delivery wins the race.
package intake

import (
	"go.uber.org/zap"
)

// Message is one delivery as handed over by the mail transport.
type Message struct {
	From       string
	Recipients []string
	Raw        []byte
}

// Attachment is a decoded MIME part that may be stored.
type Attachment struct {
	ContentType string
	// Filename is the sender-proposed name; empty when none was given.
	Filename string
	Payload  []byte
}

// Parser extracts attachments from a raw RFC 5322 message in MIME order.
type Parser interface {
	Parse(raw []byte) ([]Attachment, error)
}

// Outcome is the protocol-level decision for one delivery.
type Outcome int

const (
	Accept Outcome = iota
	PermanentReject
	TemporaryReject
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case PermanentReject:
		return "permanent_reject"
	case TemporaryReject:
		return "temporary_reject"
	default:
		return "unknown"
	}
}

// StoredFile records one persisted attachment.
type StoredFile struct {
	Filename    string `json:"filename"`
	Proposed    string `json:"proposed,omitempty"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// SkippedPart records one attachment that was not stored.
type SkippedPart struct {
	Index       int    `json:"index"`
	Proposed    string `json:"proposed,omitempty"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Reason      Reason `json:"reason"`
	Detail      string `json:"detail,omitempty"`
}

// Report summarizes what a delivery did on disk.
type Report struct {
	Token     RecipientToken `json:"token,omitempty"`
	Directory string         `json:"directory,omitempty"`
	Stored    []StoredFile   `json:"stored,omitempty"`
	Skipped   []SkippedPart  `json:"skipped,omitempty"`
}

// Result is returned for every delivery.
type Result struct {
	Outcome Outcome
	// Reason and Err are set for rejected deliveries.
	Reason Reason
	Err    error
	Report Report
}

// Pipeline is stateless across deliveries and safe for concurrent use.
type Pipeline struct {
	cfg      Config
	registry *Registry
	parser   Parser
	store    *Store
	log      *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(p *Pipeline) {
		p.registry = r
	}
}

// NewPipeline wires the intake components together.
func NewPipeline(cfg Config, parser Parser, log *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		registry: DefaultRegistry,
		parser:   parser,
		store:    NewStore(cfg),
		log:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one delivery. Per-attachment problems are recorded in the
// report and never change the outcome, except for exhausted naming attempts,
// which ask the sender to retry later.
func (p *Pipeline) Handle(msg Message) Result {
	attachments, err := p.parser.Parse(msg.Raw)
	if err != nil {
		if ReasonOf(err) == "" {
			err = rejectErr(ReasonMalformedMessage, "", err)
		}
		p.log.Warn("rejecting unparseable message", zap.String("from", msg.From), zap.Error(err))
		return Result{Outcome: PermanentReject, Reason: ReasonOf(err), Err: err}
	}

	token, err := ResolveRecipient(msg.Recipients)
	if err != nil {
		p.log.Warn("rejecting recipient",
			zap.String("from", msg.From),
			zap.Strings("to", msg.Recipients),
			zap.Error(err),
		)
		return Result{Outcome: PermanentReject, Reason: ReasonOf(err), Err: err}
	}
	if len(msg.Recipients) > 1 {
		p.log.Debug("delivering to first recipient only",
			zap.String("token", string(token)),
			zap.Strings("ignored", msg.Recipients[1:]),
		)
	}

	report := Report{Token: token}

	dir, err := p.store.EnsureRecipientDir(token)
	if err != nil {
		p.log.Error("recipient folder unavailable", zap.String("token", string(token)), zap.Error(err))
		return Result{Outcome: TemporaryReject, Reason: ReasonOf(err), Err: err, Report: report}
	}
	report.Directory = dir

	for i, att := range attachments {
		target, err := p.storePart(dir, att)
		if err != nil {
			reason := ReasonOf(err)
			if reason == ReasonStorageExhausted {
				p.log.Error("giving up on attachment name allocation",
					zap.String("token", string(token)),
					zap.String("proposed", att.Filename),
					zap.Error(err),
				)
				return Result{Outcome: TemporaryReject, Reason: reason, Err: err, Report: report}
			}

			report.Skipped = append(report.Skipped, SkippedPart{
				Index:       i,
				Proposed:    att.Filename,
				ContentType: att.ContentType,
				Size:        int64(len(att.Payload)),
				Reason:      reason,
				Detail:      err.Error(),
			})
			p.log.Warn("skipped attachment",
				zap.String("token", string(token)),
				zap.Int("part", i),
				zap.String("proposed", att.Filename),
				zap.String("content_type", att.ContentType),
				zap.String("reason", string(reason)),
				zap.Error(err),
			)
			continue
		}

		report.Stored = append(report.Stored, StoredFile{
			Filename:    target.Filename,
			Proposed:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Payload)),
		})
		p.log.Info("saved attachment",
			zap.String("token", string(token)),
			zap.String("filename", target.Filename),
			zap.String("path", target.Path()),
			zap.Int("size", len(att.Payload)),
		)
	}

	return Result{Outcome: Accept, Report: report}
}

func (p *Pipeline) storePart(dir string, att Attachment) (StorageTarget, error) {
	if err := p.registry.Validate(att.ContentType, att.Payload, p.cfg.MaxAttachmentSize); err != nil {
		return StorageTarget{}, err
	}
	name := p.registry.Sanitize(att.Filename, att.ContentType)
	return p.store.Save(dir, name, att.Payload)
}
