package intake

import (
	"errors"
	"fmt"
)

// Reason is a machine-readable cause attached to every rejection produced by the
// intake pipeline. Reasons are stable strings: they end up in logs, the delivery
// journal and metric labels.
type Reason string

// Recipient reasons.
const (
	ReasonNoRecipient      Reason = "no_recipient"
	ReasonMalformedAddress Reason = "malformed_address"
	ReasonUnsafeLocalPart  Reason = "unsafe_local_part"
)

// Message reasons.
const (
	ReasonMalformedMessage Reason = "malformed_message"
)

// Attachment reasons.
const (
	ReasonUnsupportedType   Reason = "unsupported_type"
	ReasonEmptyPayload      Reason = "empty_payload"
	ReasonTooLarge          Reason = "too_large"
	ReasonSignatureMismatch Reason = "signature_mismatch"
)

// Storage reasons.
const (
	ReasonStorageUnavailable Reason = "storage_unavailable"
	ReasonStorageExhausted   Reason = "storage_exhausted"
)

// Rejection is the error type returned by every intake component.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error
}

func (r *Rejection) Error() string {
	switch {
	case r.Detail != "" && r.Err != nil:
		return fmt.Sprintf("%s: %s: %v", r.Reason, r.Detail, r.Err)
	case r.Detail != "":
		return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	default:
		return string(r.Reason)
	}
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func reject(reason Reason, detail string) error {
	return &Rejection{Reason: reason, Detail: detail}
}

func rejectErr(reason Reason, detail string, err error) error {
	return &Rejection{Reason: reason, Detail: detail, Err: err}
}

// ReasonOf returns the reason carried by err, or an empty Reason when err is nil
// or was not produced by this package.
func ReasonOf(err error) Reason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}
