// Package render turns messages into terminal lines.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gosuda/portal-chat/protocol"
)

const maxLabelLen = 24

var (
	// Terminal output carries no markup at all.
	textPolicy = bluemonday.StrictPolicy()

	linkPattern = regexp.MustCompile(`(?:https?://)?(?:www\.)?[a-zA-Z0-9-]+\.[a-zA-Z]{2,}(?:/[^\s]*)?`)
)

// Label cleans a display name. Empty names render as "?".
func Label(name string) string {
	clean := strings.TrimSpace(textPolicy.Sanitize(html.UnescapeString(name)))
	clean = html.UnescapeString(clean)
	if r := []rune(clean); len(r) > maxLabelLen {
		clean = string(r[:maxLabelLen])
	}
	if clean == "" {
		return "?"
	}
	return clean
}

// Text strips markup from message content and keeps line breaks.
func Text(content string) string {
	return html.UnescapeString(textPolicy.Sanitize(html.UnescapeString(content)))
}

// Links returns the links found in text, each with a scheme.
func Links(text string) []string {
	found := linkPattern.FindAllString(text, -1)
	out := make([]string, 0, len(found))
	for _, l := range found {
		if !strings.HasPrefix(l, "http") {
			l = "https://" + l
		}
		out = append(out, l)
	}
	return out
}

// Time formats a message time as HH:MM in local time, or "..." when unknown.
func Time(t time.Time) string {
	if t.IsZero() {
		return "..."
	}
	return t.Local().Format("15:04")
}

// Line renders one message. Own messages are right-aligned within width;
// others in rooms are prefixed with the sender's name.
func Line(m protocol.Message, own bool, kind protocol.Kind, width int) string {
	var body string
	if m.IsImage() {
		body = "[image] " + strings.TrimSpace(m.Content)
	} else {
		body = Text(m.Content)
	}
	if !own && kind == protocol.KindRoom {
		body = Label(m.SenderLabel()) + ": " + body
	}
	line := fmt.Sprintf("%s  %s", body, Time(m.CreatedAt))
	if own {
		line = "(" + m.ID.String() + ") " + line
		if pad := width - len([]rune(line)); pad > 0 {
			line = strings.Repeat(" ", pad) + line
		}
	}
	return line
}
