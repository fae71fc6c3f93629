package backend

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/mczdsm/HVlocalsmtp/intake"
)

func init() {
	message.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	}
}

// fallbackContentType is used for parts whose Content-Type header is missing
// or unparseable; the registry rejects it as unsupported.
const fallbackContentType = "application/octet-stream"

// Parser extracts attachments from RFC 5322 messages with go-message. It
// implements intake.Parser.
type Parser struct {
	log *zap.Logger
}

// NewParser returns a parser that logs tolerated decoding problems to log.
func NewParser(log *zap.Logger) *Parser {
	return &Parser{log: log}
}

// Parse walks every leaf part in MIME order and returns the attachment-like
// ones with their transfer encoding removed. Body text parts are dropped.
func (p *Parser) Parse(raw []byte) ([]intake.Attachment, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, malformed(err)
	}
	if mr == nil {
		return nil, malformed(err)
	}
	defer func() {
		_ = mr.Close()
	}()
	if err != nil {
		p.log.Debug("tolerating message header problem", zap.Error(err))
	}

	var attachments []intake.Attachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !tolerable(err) {
				return nil, malformed(err)
			}
			p.log.Debug("tolerating part decoding problem", zap.Error(err))
			if part == nil {
				continue
			}
		}

		var h message.Header
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			h = ph.Header
		case *mail.AttachmentHeader:
			h = ph.Header
		default:
			continue
		}

		filename, contentType, ok := classify(h)
		if !ok {
			continue
		}

		payload, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, malformed(err)
		}

		attachments = append(attachments, intake.Attachment{
			ContentType: contentType,
			Filename:    filename,
			Payload:     payload,
		})
	}

	return attachments, nil
}

// classify reports whether a part is an attachment: it either has an
// attachment disposition, or it names a file and is not a body text part.
func classify(h message.Header) (filename, contentType string, ok bool) {
	contentType = fallbackContentType
	mediaType, params, err := h.ContentType()
	if err == nil && mediaType != "" {
		contentType = strings.ToLower(mediaType)
	}

	ah := mail.AttachmentHeader{Header: h}
	filename, _ = ah.Filename()
	if filename == "" {
		filename = params["name"]
	}

	disposition, _, _ := h.ContentDisposition()
	if strings.EqualFold(disposition, "attachment") {
		return filename, contentType, true
	}

	if filename != "" && contentType != "text/plain" && contentType != "text/html" {
		return filename, contentType, true
	}
	return "", "", false
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func malformed(err error) error {
	return &intake.Rejection{Reason: intake.ReasonMalformedMessage, Err: err}
}
