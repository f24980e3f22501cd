// ABOUTME: Markdown rendering for outbound Matrix messages
// ABOUTME: Plain text stays plain; anything with markup also gets an HTML formatted body

package matrix

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
)

// renderMarkdown converts text to HTML. ok is false when the HTML adds
// nothing over the plain text.
func renderMarkdown(text string) (formatted string, ok bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())
	if out == "" || out == "<p>"+html.EscapeString(text)+"</p>" {
		return "", false
	}
	return out, true
}

// textContent builds the message content for text.
func textContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if formatted, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}
