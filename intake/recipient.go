package intake

import (
	"regexp"
	"strings"
)

// maxLocalPartLength bounds a recipient token, matching the RFC 5321 local-part limit.
const maxLocalPartLength = 64

var localPartPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// RecipientToken is a validated local part, safe to use as one path segment.
type RecipientToken string

// ResolveRecipient derives the storage folder token from the first envelope
// recipient. Additional recipients are ignored.
func ResolveRecipient(recipients []string) (RecipientToken, error) {
	if len(recipients) == 0 {
		return "", reject(ReasonNoRecipient, "")
	}

	addr := strings.ToLower(recipients[0])
	at := strings.IndexByte(addr, '@')
	if at < 0 {
		return "", reject(ReasonMalformedAddress, addr)
	}

	local := addr[:at]
	if len(local) == 0 || len(local) > maxLocalPartLength ||
		local == "." || local == ".." ||
		!localPartPattern.MatchString(local) {
		return "", reject(ReasonUnsafeLocalPart, local)
	}

	return RecipientToken(local), nil
}
