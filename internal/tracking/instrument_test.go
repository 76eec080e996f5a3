package tracking

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func staticResolver(tokens map[string]string) LinkResolver {
	n := 0
	return func(_ context.Context, _ int64, url string) (string, error) {
		if tok, ok := tokens[url]; ok {
			return tok, nil
		}
		n++
		tok := fmt.Sprintf("tok%d", n)
		tokens[url] = tok
		return tok, nil
	}
}

func TestPixelInjection(t *testing.T) {
	in := &Instrumentor{BaseURL: "https://x.test", Resolve: staticResolver(map[string]string{})}

	out, err := in.Instrument(context.Background(), "<p>hi</p>", Input{CampaignID: 1, RecipientID: 2, MessageID: 42})
	if err != nil {
		t.Fatal(err)
	}
	want := "https://x.test/o/42/p.png"
	if n := strings.Count(out.HTML, want); n != 1 {
		t.Fatalf("expected exactly one pixel reference, got %d in %q", n, out.HTML)
	}
	if !strings.Contains(out.HTML, "<img src=\""+want+"\"") {
		t.Fatalf("pixel img tag missing: %q", out.HTML)
	}
}

func TestPixelInjectionIdempotent(t *testing.T) {
	in := &Instrumentor{BaseURL: "https://x.test", Resolve: staticResolver(map[string]string{})}
	body := `<body><p>hi</p><img src="https://x.test/o/42/p.png" alt=""></body>`

	out, err := in.Instrument(context.Background(), body, Input{CampaignID: 1, RecipientID: 2, MessageID: 42})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out.HTML, "https://x.test/o/42/p.png"); n != 1 {
		t.Fatalf("pixel duplicated: %d occurrences", n)
	}
}

func TestLinkRewrite(t *testing.T) {
	tokens := map[string]string{}
	in := &Instrumentor{BaseURL: "https://x.test", Resolve: staticResolver(tokens)}
	body := `<p><a href="https://example.com/a">a</a> <a href="https://example.com/b">b</a> <a href="https://example.com/a">again</a></p>`

	out, err := in.Instrument(context.Background(), body, Input{CampaignID: 5, RecipientID: 9, MessageID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.HTML, `href="https://example.com/`) {
		t.Fatalf("absolute links survived rewrite: %q", out.HTML)
	}
	tokA := tokens["https://example.com/a"]
	if n := strings.Count(out.HTML, fmt.Sprintf(`href="https://x.test/t/%s/r/9/"`, tokA)); n != 2 {
		t.Fatalf("same destination should reuse one token; got %d rewrites for %q", n, tokA)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 distinct tokens, got %d", len(tokens))
	}
}

func TestTrackingURLsNotRewritten(t *testing.T) {
	tokens := map[string]string{}
	in := &Instrumentor{BaseURL: "https://x.test", Resolve: staticResolver(tokens)}
	body := `<p><a href="https://x.test/unsub/9/">unsubscribe</a></p>`

	out, err := in.Instrument(context.Background(), body, Input{CampaignID: 5, RecipientID: 9, MessageID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.HTML, `href="https://x.test/unsub/9/"`) {
		t.Fatalf("unsubscribe link was rewritten: %q", out.HTML)
	}
	if len(tokens) != 0 {
		t.Fatalf("no tokens should be minted for tracking URLs, got %d", len(tokens))
	}
}

func TestUnsubscribeHeadersAndText(t *testing.T) {
	in := &Instrumentor{BaseURL: "https://x.test", Resolve: staticResolver(map[string]string{})}

	out, err := in.Instrument(context.Background(), "<p>hello &amp; goodbye</p>", Input{CampaignID: 1, RecipientID: 7, MessageID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Headers["List-Unsubscribe"]; got != "<https://x.test/unsub/7/>" {
		t.Fatalf("List-Unsubscribe = %q", got)
	}
	if got := out.Headers["List-Unsubscribe-Post"]; got != "List-Unsubscribe=One-Click" {
		t.Fatalf("List-Unsubscribe-Post = %q", got)
	}
	if !strings.Contains(out.Text, "hello & goodbye") {
		t.Fatalf("text fallback should unescape entities: %q", out.Text)
	}
	if strings.Contains(out.Text, "<img") || strings.Contains(out.Text, "display:none") {
		t.Fatalf("injected markup leaked into plaintext: %q", out.Text)
	}
	if !strings.Contains(out.Text, "Unsubscribe: https://x.test/unsub/7/") {
		t.Fatalf("unsubscribe URL missing from plaintext: %q", out.Text)
	}
}

func TestNoBaseURLDisablesInstrumentation(t *testing.T) {
	in := &Instrumentor{BaseURL: "", Resolve: staticResolver(map[string]string{})}
	body := `<p><a href="https://example.com/a">a</a></p>`

	out, err := in.Instrument(context.Background(), body, Input{CampaignID: 1, RecipientID: 2, MessageID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if out.HTML != body {
		t.Fatalf("HTML changed without a base URL: %q", out.HTML)
	}
	if len(out.Headers) != 0 {
		t.Fatalf("headers set without a base URL: %v", out.Headers)
	}
	if strings.Contains(out.Text, "Unsubscribe") {
		t.Fatalf("unsubscribe text present without a base URL: %q", out.Text)
	}
}
