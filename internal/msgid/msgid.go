// Package msgid generates and parses the structured message identifier
// that correlates inbound mailbox signals back to individual sends.
//
// The format is <nonce.campaignID.recipientID@domain>: plain ASCII, bounded
// length, and valid RFC 5322 msg-id grammar, so it survives round-trips
// through intermediate relays.
package msgid

import (
	"fmt"
	"regexp"
	"strconv"

	"courier/internal/util"
)

var pattern = regexp.MustCompile(`<?([A-Za-z0-9]+)\.(\d+)\.(\d+)@[^>\s]+>?`)

// Generate returns a new identifier for one (campaign, recipient) send,
// including the angle brackets expected in a Message-ID header.
func Generate(campaignID, recipientID int64, domain string) string {
	return fmt.Sprintf("<%s.%d.%d@%s>", util.NewToken(), campaignID, recipientID, domain)
}

// Parse extracts (campaignID, recipientID) from an arbitrary header value.
// The value may carry surrounding text or lack angle brackets; anything that
// does not embed the structured form reports ok=false rather than an error,
// and callers fall back to thread-reference lookup.
func Parse(headerValue string) (campaignID, recipientID int64, ok bool) {
	m := pattern.FindStringSubmatch(headerValue)
	if m == nil {
		return 0, 0, false
	}
	c, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return c, r, true
}
