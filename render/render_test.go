package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"bob", "bob"},
		{"  <b>bob</b> ", "bob"},
		{"&lt;script&gt;alert(1)&lt;/script&gt;", "?"},
		{"", "?"},
		{strings.Repeat("x", 40), strings.Repeat("x", 24)},
		{"Tom & Jerry", "Tom & Jerry"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Label(tt.in))
		})
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "hello world", Text("hello <i>world</i>"))
	assert.Equal(t, "a < b", Text("a < b"))
	assert.Equal(t, "line1\nline2", Text("line1\nline2"))
}

func TestLinks(t *testing.T) {
	got := Links("see example.com/docs and https://go.dev, or www.test.io")
	assert.Equal(t, []string{"https://example.com/docs", "https://go.dev", "https://www.test.io"}, got)
	assert.Empty(t, Links("no links here"))
}

func TestTime(t *testing.T) {
	assert.Equal(t, "...", Time(time.Time{}))
	ts := time.Date(2025, 3, 1, 9, 5, 0, 0, time.Local)
	assert.Equal(t, "09:05", Time(ts))
}

func TestLine(t *testing.T) {
	m := protocol.Message{
		ID:       identity.NewRef("m1"),
		Content:  "hi <b>there</b>",
		Payload:  protocol.PayloadText,
		SenderID: identity.Ref{Key: "U2", Label: "bob"},
		RoomID:   identity.NewRef("R1"),
	}

	assert.Equal(t, "bob: hi there  ...", Line(m, false, protocol.KindRoom, 80))
	assert.Equal(t, "hi there  ...", Line(m, false, protocol.KindDirect, 80))

	own := Line(m, true, protocol.KindRoom, 40)
	assert.Len(t, []rune(own), 40)
	assert.True(t, strings.HasSuffix(own, "(m1) hi there  ..."))

	m.Payload = protocol.PayloadImage
	m.Content = "https://cdn.example/cat.png"
	assert.Equal(t, "bob: [image] https://cdn.example/cat.png  ...", Line(m, false, protocol.KindRoom, 80))
}
