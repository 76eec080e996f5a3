package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewToken returns a lowercase ULID, used for link tracking tokens and
// message-id nonces. ULIDs are ASCII, URL-safe and sortable.
func NewToken() string {
	t := time.Now().UTC()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), rand.Reader).String())
}

