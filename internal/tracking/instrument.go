// Package tracking rewrites rendered campaign HTML with per-recipient
// instrumentation: tracked-redirect links, an open pixel, and unsubscribe
// affordances. It also derives the plaintext alternative.
package tracking

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// LinkResolver returns the stable token for a destination URL within a
// campaign, creating the Link row on first use.
type LinkResolver func(ctx context.Context, campaignID int64, url string) (string, error)

type Instrumentor struct {
	// BaseURL is the public tracking origin, without trailing slash. When
	// empty, instrumentation is disabled entirely: no rewrite, no pixel,
	// and no unsubscribe headers (never a silent fallback URL).
	BaseURL string
	Resolve LinkResolver
}

type Input struct {
	CampaignID  int64
	RecipientID int64
	MessageID   int64 // message instance row id, used in the pixel path
}

type Output struct {
	HTML    string
	Text    string
	Headers map[string]string
}

var (
	hrefPattern  = regexp.MustCompile(`href="(https?://[^"]+)"`)
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	breakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>|</h[1-6]>`)
	blankPattern = regexp.MustCompile(`\n{3,}`)
)

// Instrument runs once per send against freshly rendered HTML. Link
// rewriting is not idempotent, so callers must never feed instrumented
// output back in; pixel injection is guarded and safe to repeat.
func (in *Instrumentor) Instrument(ctx context.Context, htmlBody string, input Input) (Output, error) {
	if in.BaseURL == "" {
		return Output{HTML: htmlBody, Text: htmlToText(htmlBody)}, nil
	}
	base := strings.TrimRight(in.BaseURL, "/")

	rewritten, err := in.rewriteLinks(ctx, htmlBody, base, input)
	if err != nil {
		return Output{}, err
	}

	// Plaintext comes from the pre-injection HTML so pixel and unsubscribe
	// markup never leak into it as visible noise.
	unsubURL := fmt.Sprintf("%s/unsub/%d/", base, input.RecipientID)
	text := htmlToText(rewritten)
	text = strings.TrimRight(text, "\n") + "\n\nUnsubscribe: " + unsubURL + "\n"

	pixelURL := fmt.Sprintf("%s/o/%d/p.png", base, input.MessageID)
	out := injectPixel(rewritten, pixelURL)
	out = injectUnsubscribe(out, unsubURL)

	return Output{
		HTML: out,
		Text: text,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}, nil
}

func (in *Instrumentor) rewriteLinks(ctx context.Context, htmlBody, base string, input Input) (string, error) {
	// One token per distinct destination URL per message; the store's
	// (campaign, url) constraint keeps it stable across recipients too.
	tokens := map[string]string{}
	var resolveErr error

	out := hrefPattern.ReplaceAllStringFunc(htmlBody, func(match string) string {
		if resolveErr != nil {
			return match
		}
		dest := html.UnescapeString(hrefPattern.FindStringSubmatch(match)[1])
		if strings.HasPrefix(dest, base+"/t/") ||
			strings.HasPrefix(dest, base+"/o/") ||
			strings.HasPrefix(dest, base+"/unsub/") {
			// Already a tracking URL; rewriting it would break it.
			return match
		}
		token, ok := tokens[dest]
		if !ok {
			var err error
			token, err = in.Resolve(ctx, input.CampaignID, dest)
			if err != nil {
				resolveErr = err
				return match
			}
			tokens[dest] = token
		}
		return fmt.Sprintf(`href="%s/t/%s/r/%d/"`, base, token, input.RecipientID)
	})
	if resolveErr != nil {
		return "", fmt.Errorf("resolve link token: %w", resolveErr)
	}
	return out, nil
}

// injectPixel appends a zero-visible-size image before the closing body tag
// unless the exact pixel URL is already present.
func injectPixel(htmlBody, pixelURL string) string {
	if strings.Contains(htmlBody, pixelURL) {
		return htmlBody
	}
	img := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	return insertBeforeBodyClose(htmlBody, img)
}

func injectUnsubscribe(htmlBody, unsubURL string) string {
	link := fmt.Sprintf(`<p style="font-size:12px;color:#666"><a href="%s">Unsubscribe</a></p>`, unsubURL)
	return insertBeforeBodyClose(htmlBody, link)
}

func insertBeforeBodyClose(htmlBody, fragment string) string {
	if i := strings.LastIndex(strings.ToLower(htmlBody), "</body>"); i >= 0 {
		return htmlBody[:i] + fragment + "\n" + htmlBody[i:]
	}
	return htmlBody + "\n" + fragment
}

// htmlToText strips markup the way the Sent-folder copy's alternative part
// should read: block boundaries become newlines, entities are unescaped.
func htmlToText(htmlBody string) string {
	s := breakPattern.ReplaceAllString(htmlBody, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s) + "\n"
}
