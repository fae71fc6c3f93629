// Package audit records what happened to every delivery.
package audit

import (
	"time"

	"github.com/mczdsm/HVlocalsmtp/intake"
)

// Event types written to the journal
const (
	EventDelivery string = "DELIVERY" // DATA completed and the pipeline decided
	EventOversize string = "OVERSIZE" // DATA exceeded the message size limit
)

// Record is one journal line
type Record struct {
	// Event type
	Event string `json:"event"`

	// Session identifier, shared with the log lines of the same connection
	UUID string `json:"uuid"`

	// Client remote address
	RemoteAddr string `json:"remote_addr"`

	// Timestamp when DATA completed
	ReceivedAt time.Time `json:"received_at"`

	// SMTP envelope information
	Envelope Envelope `json:"envelope"`

	// Pipeline decision
	Outcome string        `json:"outcome"`
	Reason  intake.Reason `json:"reason,omitempty"`
	Error   string        `json:"error,omitempty"`

	// Recipient folder
	Recipient intake.RecipientToken `json:"recipient,omitempty"`
	Directory string                `json:"directory,omitempty"`

	Stored  []intake.StoredFile  `json:"stored,omitempty"`
	Skipped []intake.SkippedPart `json:"skipped,omitempty"`
}

// Envelope contains SMTP transaction details
type Envelope struct {
	// MAIL FROM address
	From string `json:"from"`

	// RCPT TO addresses
	To []string `json:"to"`

	// HELO/EHLO hostname provided by client
	Helo string `json:"helo"`
}

// NewRecord builds the journal record for a completed delivery.
func NewRecord(uuid, remoteAddr string, env Envelope, res intake.Result) *Record {
	rec := &Record{
		Event:      EventDelivery,
		UUID:       uuid,
		RemoteAddr: remoteAddr,
		ReceivedAt: time.Now().UTC(),
		Envelope:   env,
		Outcome:    res.Outcome.String(),
		Reason:     res.Reason,
		Recipient:  res.Report.Token,
		Directory:  res.Report.Directory,
		Stored:     res.Report.Stored,
		Skipped:    res.Report.Skipped,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// NewOversizeRecord builds the record for a message refused before parsing.
func NewOversizeRecord(uuid, remoteAddr string, env Envelope) *Record {
	return &Record{
		Event:      EventOversize,
		UUID:       uuid,
		RemoteAddr: remoteAddr,
		ReceivedAt: time.Now().UTC(),
		Envelope:   env,
		Outcome:    intake.PermanentReject.String(),
		Reason:     intake.ReasonTooLarge,
	}
}
