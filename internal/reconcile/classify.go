// Package reconcile scans bounce folders over IMAP, classifies inbound
// signals, and folds them back into per-recipient delivery state.
package reconcile

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"

	"courier/internal/domain"
)

// Classification is the outcome of inspecting one inbound message.
type Classification struct {
	Kind       domain.EventKind
	Diagnostic string
	// Refs are every msg-id token found in threading headers, DSN fields,
	// and the body, in match-priority order. The first token is the most
	// authoritative (Original-Message-ID from the status part when present).
	Refs []string
}

var (
	msgIDToken = regexp.MustCompile(`<[^<>\s]+@[^<>\s]+>`)
	statusCode = regexp.MustCompile(`(?mi)^Status:\s*([245])\.\d+\.\d+`)
	diagField  = regexp.MustCompile(`(?mi)^Diagnostic-Code:\s*(.+)$`)
	origMsgID  = regexp.MustCompile(`(?mi)^Original-Message-ID:\s*(<[^<>\s]+>)`)
)

var permanentHints = []string{
	"550", "551", "553", "user unknown", "unknown user", "no such user",
	"does not exist", "mailbox unavailable", "recipient rejected",
	"address rejected", "permanent",
}

var transientHints = []string{
	"421", "450", "451", "452", "delayed", "deferred", "temporar",
	"try again later", "quota exceeded", "mailbox full", "greylist",
}

// Classify decides what kind of signal a raw inbound message is. A
// machine-readable delivery status report is authoritative; everything
// else falls back to header and body heuristics, and anything still
// ambiguous is recorded as a reply rather than guessed into a bounce.
func Classify(raw []byte) Classification {
	cls := Classification{Kind: domain.EventReply}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		cls.Refs = findTokens(raw)
		classifyHeuristic(&cls, "", "", "", raw)
		return cls
	}

	header := entity.Header
	cls.Refs = threadRefs(header.Get("In-Reply-To"), header.Get("References"), header.Get("X-Original-Message-ID"))

	if ct, _, _ := header.ContentType(); ct == "multipart/report" {
		if done := classifyReport(&cls, entity); done {
			appendTokens(&cls, raw)
			return cls
		}
	}

	appendTokens(&cls, raw)
	classifyHeuristic(&cls,
		header.Get("From"),
		header.Get("Subject"),
		header.Get("Auto-Submitted"),
		raw,
	)
	return cls
}

// classifyReport walks a multipart/report entity looking for the
// message/delivery-status part. Reports true when a status code decided
// the classification.
func classifyReport(cls *Classification, entity *message.Entity) bool {
	mr := entity.MultipartReader()
	if mr == nil {
		return false
	}
	decided := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()
		switch ct {
		case "message/delivery-status":
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if m := origMsgID.FindSubmatch(body); m != nil {
				cls.Refs = append([]string{string(m[1])}, cls.Refs...)
			}
			if m := diagField.FindSubmatch(body); m != nil {
				cls.Diagnostic = strings.TrimSpace(string(m[1]))
			}
			if m := statusCode.FindSubmatch(body); m != nil {
				switch m[1][0] {
				case '5':
					cls.Kind = domain.EventBounce
				case '4':
					cls.Kind = domain.EventDeferred
				default:
					continue
				}
				if cls.Diagnostic == "" {
					cls.Diagnostic = firstStatusLine(body)
				}
				decided = true
			}
		case "message/rfc822", "text/rfc822-headers":
			// The returned original: its headers carry our Message-ID.
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if id := originalHeaderMsgID(body); id != "" {
				cls.Refs = append(cls.Refs, id)
			}
		}
	}
	return decided
}

func classifyHeuristic(cls *Classification, from, subject, autoSubmitted string, raw []byte) {
	lowRaw := strings.ToLower(string(raw))
	fromLow := strings.ToLower(from)
	subjLow := strings.ToLower(subject)

	daemon := strings.Contains(fromLow, "mailer-daemon") || strings.Contains(fromLow, "postmaster")
	failureSubject := strings.Contains(subjLow, "undeliver") ||
		strings.Contains(subjLow, "delivery status") ||
		strings.Contains(subjLow, "failure notice") ||
		strings.Contains(subjLow, "returned mail") ||
		strings.Contains(subjLow, "mail delivery failed")
	auto := autoSubmitted != "" && !strings.EqualFold(autoSubmitted, "no")

	if !daemon && !failureSubject && !auto {
		cls.Kind = domain.EventReply
		if cls.Diagnostic == "" {
			cls.Diagnostic = subject
		}
		return
	}

	for _, hint := range permanentHints {
		if strings.Contains(lowRaw, hint) {
			cls.Kind = domain.EventBounce
			if cls.Diagnostic == "" {
				cls.Diagnostic = "bounce: " + hint
			}
			return
		}
	}
	for _, hint := range transientHints {
		if strings.Contains(lowRaw, hint) {
			cls.Kind = domain.EventDeferred
			if cls.Diagnostic == "" {
				cls.Diagnostic = "deferred: " + hint
			}
			return
		}
	}

	// Looks automated but carries no recognizable code: record as a reply
	// so a human can look, never fabricate a bounce.
	cls.Kind = domain.EventReply
	if cls.Diagnostic == "" {
		cls.Diagnostic = subject
	}
}

func threadRefs(values ...string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range values {
		for _, tok := range msgIDToken.FindAllString(v, -1) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

// appendTokens adds any msg-id tokens found in the raw bytes that the
// header pass missed (quoted bodies, non-standard DSN text).
func appendTokens(cls *Classification, raw []byte) {
	seen := map[string]bool{}
	for _, tok := range cls.Refs {
		seen[tok] = true
	}
	for _, tok := range findTokens(raw) {
		if !seen[tok] {
			seen[tok] = true
			cls.Refs = append(cls.Refs, tok)
		}
	}
}

func findTokens(raw []byte) []string {
	var out []string
	for _, tok := range msgIDToken.FindAllString(string(raw), -1) {
		out = append(out, tok)
	}
	return out
}

func originalHeaderMsgID(body []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if len(strings.TrimSpace(line)) == 0 {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "message-id:") {
			if m := msgIDToken.FindString(line); m != "" {
				return m
			}
		}
	}
	return ""
}

func firstStatusLine(body []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(strings.ToLower(line), "status:") {
			return line
		}
	}
	return ""
}
