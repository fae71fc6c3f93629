package testsend

import (
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/roadrunner-server/errors"
)

// Attachment is one file part of a composed message.
type Attachment struct {
	// Filename may be empty to omit the filename parameter.
	Filename    string
	ContentType string
	Content     []byte
}

// Mail is a message to compose.
type Mail struct {
	From        string
	To          []string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Compose renders m as a multipart/mixed RFC 5322 message with a text part
// followed by base64 attachments.
func Compose(m Mail) ([]byte, error) {
	const op = errors.Op("testsend_compose")

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(m.Subject)
	h.Set("X-Mailer", "hvlocalsmtp test sender")
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	to := make([]*mail.Address, 0, len(m.To))
	for _, addr := range m.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if m.Text != "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mw.CreateSingleInline(th)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if _, err := io.WriteString(w, m.Text); err != nil {
			return nil, errors.E(op, err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.E(op, err)
		}
	}

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.Set("Content-Transfer-Encoding", "base64")
		if att.Filename != "" {
			ah.SetFilename(att.Filename)
		} else {
			ah.Set("Content-Disposition", "attachment")
		}

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, errors.E(op, err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.E(op, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, errors.E(op, err)
	}
	return buf.Bytes(), nil
}
