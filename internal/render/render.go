// Package render turns a campaign's Markdown template into HTML for one
// recipient. Variable substitution uses Liquid; Markdown conversion uses
// goldmark.
package render

import (
	"bytes"
	"fmt"

	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"courier/internal/domain"
)

// Context carries the named, typed fields available to templates.
type Context struct {
	Campaign       domain.Campaign
	Recipient      domain.Recipient
	Message        domain.MessageInstance
	PublicBaseURL  string
	UnsubscribeURL string
	OpenURL        string
}

type Renderer struct {
	engine   *liquid.Engine
	markdown goldmark.Markdown
}

func New() *Renderer {
	return &Renderer{
		engine: liquid.NewEngine(),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}
}

// Render substitutes template variables and converts the result to HTML.
// Failures are per-recipient: the dispatcher records them and moves on.
func (r *Renderer) Render(template string, ctx Context) (string, error) {
	md, err := r.engine.ParseAndRenderString(template, bindings(ctx))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}

	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

func bindings(ctx Context) map[string]any {
	return map[string]any{
		"campaign": map[string]any{
			"id":      ctx.Campaign.ID,
			"name":    ctx.Campaign.Name,
			"subject": ctx.Campaign.Subject,
		},
		"recipient": map[string]any{
			"id":    ctx.Recipient.ID,
			"email": ctx.Recipient.Email,
			"name":  ctx.Recipient.Name,
			"meta":  ctx.Recipient.Meta,
		},
		"message": map[string]any{
			"id":         ctx.Message.ID,
			"message_id": ctx.Message.MessageID,
		},
		"public_base_url": ctx.PublicBaseURL,
		"unsubscribe_url": ctx.UnsubscribeURL,
		"open_url":        ctx.OpenURL,
	}
}
