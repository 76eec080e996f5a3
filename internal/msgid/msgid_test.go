package msgid

import (
	"strings"
	"testing"
)

func TestGenerateRoundTrip(t *testing.T) {
	id := Generate(9, 7, "x.test")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@x.test>") {
		t.Fatalf("unexpected msg-id shape: %q", id)
	}

	c, r, ok := Parse(id)
	if !ok {
		t.Fatalf("Parse(%q) reported no match", id)
	}
	if c != 9 || r != 7 {
		t.Fatalf("round-trip mismatch: got (%d,%d), want (9,7)", c, r)
	}
}

func TestParseBareValue(t *testing.T) {
	c, r, ok := Parse("abc123.9.7@x.test")
	if !ok || c != 9 || r != 7 {
		t.Fatalf("got (%d,%d,%v), want (9,7,true)", c, r, ok)
	}
}

func TestParseSurroundingText(t *testing.T) {
	c, r, ok := Parse("References: <other@relay> <abc123.12.34@mail.example.com>")
	if !ok || c != 12 || r != 34 {
		t.Fatalf("got (%d,%d,%v), want (12,34,true)", c, r, ok)
	}
}

func TestParseNoMatch(t *testing.T) {
	for _, v := range []string{
		"",
		"not a message id",
		"<plain@x.test>",
		"<nonce.notanumber.7@x.test>",
	} {
		if _, _, ok := Parse(v); ok {
			t.Fatalf("Parse(%q) matched unexpectedly", v)
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	a := Generate(1, 2, "x.test")
	b := Generate(1, 2, "x.test")
	if a == b {
		t.Fatalf("expected distinct nonces, got %q twice", a)
	}
}
