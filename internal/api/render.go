package api

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/parley/internal/memory"
)

// markdown renders turn content. Raw HTML in content is not passed
// through.
var markdown = goldmark.New(
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// renderHistoryHTML renders a conversation as a standalone HTML page, one
// section per turn in order.
func renderHistoryHTML(id string, turns []memory.Turn) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Conversation %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
`, html.EscapeString(id))

	for _, t := range turns {
		fmt.Fprintf(&buf, "<section class=\"turn %s\" id=\"%s\">\n<h3>%s <small>%s</small></h3>\n",
			html.EscapeString(t.Role),
			html.EscapeString(t.ID),
			html.EscapeString(t.Role),
			t.Timestamp.UTC().Format("2006-01-02 15:04:05Z"),
		)
		if err := markdown.Convert([]byte(t.Content), &buf); err != nil {
			return nil, fmt.Errorf("render turn %s: %w", t.ID, err)
		}
		buf.WriteString("</section>\n")
	}

	buf.WriteString("</body></html>\n")
	return buf.Bytes(), nil
}
