package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWire(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Content
	}{
		{"plain", "hello", Content{Text("hello")}},
		{"image only", "[IMAGE]https://cdn.example/a.png[/IMAGE]", Content{Image("https://cdn.example/a.png", "")}},
		{"image with caption", "[IMAGE]https://cdn.example/a.png[/IMAGE]the scratch",
			Content{Image("https://cdn.example/a.png", "the scratch")}},
		{"text then image", "see: [IMAGE]https://x/y.png[/IMAGE]",
			Content{Text("see: "), Image("https://x/y.png", "")}},
		{"two images", "[IMAGE]u1[/IMAGE]one[IMAGE]u2[/IMAGE]two",
			Content{Image("u1", "one"), Image("u2", "two")}},
		{"unterminated marker stays text", "a [IMAGE]b", Content{Text("a [IMAGE]b")}},
		{"empty marker stays text", "[IMAGE][/IMAGE]x", Content{Text("[IMAGE][/IMAGE]x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeWire(tt.in))
		})
	}
}

func TestWire_RoundTripStrings(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		"[IMAGE]https://cdn.example/a.png[/IMAGE]caption",
		"before[IMAGE]u[/IMAGE]after[IMAGE]v[/IMAGE]",
		"[IMAGE]unterminated",
		"[/IMAGE] stray close",
		"[IMAGE][/IMAGE]",
		"nested [IMAGE]a[IMAGE]b[/IMAGE]c",
	}
	for _, s := range inputs {
		assert.Equal(t, s, EncodeWire(DecodeWire(s)), "input %q", s)
	}
}

func TestWire_RoundTripContent(t *testing.T) {
	contents := []Content{
		{Text("hi")},
		{Text("look "), Image("https://cdn.example/1.png", "left side")},
		{Image("https://cdn.example/1.png", ""), Image("https://cdn.example/2.png", "both")},
		{Text("a"), Text("b"), Image("u", ""), Text("c")},
		{Text(""), Image("u", "x")},
	}
	for _, c := range contents {
		require.NoError(t, c.Validate())
		assert.Equal(t, c.Normalize(), DecodeWire(EncodeWire(c)), "content %+v", c)
	}
}

func TestContent_Normalize(t *testing.T) {
	c := Content{Text("a"), Text(""), Text("b"), Image("u", "cap"), Text(" more")}
	assert.Equal(t, Content{Text("ab"), Image("u", "cap more")}, c.Normalize())
}

func TestContent_Helpers(t *testing.T) {
	c := Content{Text("see "), Image("https://x/1.png", "here")}
	assert.True(t, c.HasImage())
	assert.Equal(t, "see here", c.PlainText())
	assert.Equal(t, []string{"https://x/1.png"}, c.Images())
	assert.False(t, c.IsEmpty())

	assert.True(t, Content{Text("   ")}.IsEmpty())
	assert.True(t, Content(nil).IsEmpty())
	assert.False(t, Content{Image("https://x/1.png", "")}.IsEmpty())
}

func TestContent_Validate(t *testing.T) {
	assert.Error(t, Content{Text("sneaky [IMAGE]x[/IMAGE]")}.Validate())
	assert.Error(t, Content{Image("", "")}.Validate())
	assert.Error(t, Content{Image("u[/IMAGE]", "")}.Validate())
	assert.Error(t, Content{Image("u", "[IMAGE]")}.Validate())
	assert.Error(t, Content{{Kind: "video"}}.Validate())
	assert.NoError(t, Content{Text("ok"), Image("u", "cap")}.Validate())
}

func TestContent_JSON(t *testing.T) {
	b, err := json.Marshal(Content(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	b, err = json.Marshal(Content{Image("u", "c")})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"image","url":"u","caption":"c"}]`, string(b))
}
