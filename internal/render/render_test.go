package render

import (
	"strings"
	"testing"

	"courier/internal/domain"
)

func TestRenderSubstitutesAndConverts(t *testing.T) {
	r := New()
	html, err := r.Render("# Hello {{ recipient.name }}\n\nSee [the page]({{ public_base_url }}/page).", Context{
		Campaign:      domain.Campaign{ID: 9, Name: "launch", Subject: "Hello"},
		Recipient:     domain.Recipient{ID: 7, Name: "Alice", Email: "a@y.test"},
		PublicBaseURL: "https://track.x.test",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(html, "<h1>Hello Alice</h1>") {
		t.Errorf("heading not rendered: %q", html)
	}
	if !strings.Contains(html, `href="https://track.x.test/page"`) {
		t.Errorf("link not rendered: %q", html)
	}
}

func TestRenderMeta(t *testing.T) {
	r := New()
	html, err := r.Render("Plan: {{ recipient.meta.plan }}", Context{
		Recipient: domain.Recipient{Meta: map[string]string{"plan": "pro"}},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(html, "Plan: pro") {
		t.Errorf("meta not substituted: %q", html)
	}
}

func TestRenderBadTemplate(t *testing.T) {
	r := New()
	if _, err := r.Render("{{ unclosed", Context{}); err == nil {
		t.Fatal("want error for malformed template")
	}
}
