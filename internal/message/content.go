package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire markers delimiting an image URL inside a content string.
const (
	ImageOpen  = "[IMAGE]"
	ImageClose = "[/IMAGE]"
)

// BlockKind tags a content block.
type BlockKind string

const (
	KindText  BlockKind = "text"
	KindImage BlockKind = "image"
)

// Block is one piece of message content: either text or an image with an
// optional caption.
type Block struct {
	Kind    BlockKind `json:"type"`
	Text    string    `json:"text,omitempty"`
	URL     string    `json:"url,omitempty"`
	Caption string    `json:"caption,omitempty"`
}

// Text returns a text block.
func Text(s string) Block { return Block{Kind: KindText, Text: s} }

// Image returns an image block.
func Image(url, caption string) Block { return Block{Kind: KindImage, URL: url, Caption: caption} }

// Content is an ordered sequence of blocks.
type Content []Block

// NewText is shorthand for single-block text content.
func NewText(s string) Content { return Content{Text(s)} }

// Normalize returns the canonical form of c: empty text blocks dropped,
// adjacent text blocks joined, and text directly following an image folded
// into that image's caption. Canonical content round-trips through the
// wire format unchanged.
func (c Content) Normalize() Content {
	out := make(Content, 0, len(c))
	for _, b := range c {
		switch b.Kind {
		case KindImage:
			out = append(out, Image(b.URL, b.Caption))
		case KindText:
			if b.Text == "" {
				continue
			}
			if n := len(out); n > 0 {
				last := &out[n-1]
				if last.Kind == KindText {
					last.Text += b.Text
					continue
				}
				last.Caption += b.Text
				continue
			}
			out = append(out, Text(b.Text))
		}
	}
	return out
}

// IsEmpty reports whether c has no image and no visible text.
func (c Content) IsEmpty() bool {
	return !c.HasImage() && strings.TrimSpace(c.PlainText()) == ""
}

// HasImage reports whether c contains an image block.
func (c Content) HasImage() bool {
	for _, b := range c {
		if b.Kind == KindImage {
			return true
		}
	}
	return false
}

// PlainText returns the text and captions of c with image URLs removed.
func (c Content) PlainText() string {
	var sb strings.Builder
	for _, b := range c {
		switch b.Kind {
		case KindText:
			sb.WriteString(b.Text)
		case KindImage:
			sb.WriteString(b.Caption)
		}
	}
	return sb.String()
}

// Images returns the image URLs of c in order.
func (c Content) Images() []string {
	var urls []string
	for _, b := range c {
		if b.Kind == KindImage {
			urls = append(urls, b.URL)
		}
	}
	return urls
}

// Validate checks that c can be encoded without ambiguity.
func (c Content) Validate() error {
	for i, b := range c {
		switch b.Kind {
		case KindText:
			if containsMarker(b.Text) {
				return fmt.Errorf("block %d: text contains an image marker", i)
			}
		case KindImage:
			if b.URL == "" || strings.Contains(b.URL, ImageClose) {
				return fmt.Errorf("block %d: invalid image url", i)
			}
			if containsMarker(b.Caption) {
				return fmt.Errorf("block %d: caption contains an image marker", i)
			}
		default:
			return fmt.Errorf("block %d: unknown kind %q", i, b.Kind)
		}
	}
	return nil
}

func containsMarker(s string) bool {
	return strings.Contains(s, ImageOpen) || strings.Contains(s, ImageClose)
}

// EncodeWire renders c as a single string, each image written as
// [IMAGE]url[/IMAGE] followed by its caption.
func EncodeWire(c Content) string {
	var sb strings.Builder
	for _, b := range c {
		switch b.Kind {
		case KindText:
			sb.WriteString(b.Text)
		case KindImage:
			sb.WriteString(ImageOpen)
			sb.WriteString(b.URL)
			sb.WriteString(ImageClose)
			sb.WriteString(b.Caption)
		}
	}
	return sb.String()
}

// DecodeWire parses a wire string into canonical content. An [IMAGE]
// marker without a matching close is kept as literal text, so
// EncodeWire(DecodeWire(s)) == s for every s.
func DecodeWire(s string) Content {
	var out Content
	rest := s
	for {
		open := strings.Index(rest, ImageOpen)
		if open < 0 {
			break
		}
		afterOpen := rest[open+len(ImageOpen):]
		end := strings.Index(afterOpen, ImageClose)
		if end < 0 || end == 0 {
			// Unterminated or empty marker: emit through the open tag as text.
			out = appendText(out, rest[:open+len(ImageOpen)])
			rest = afterOpen
			continue
		}
		out = appendText(out, rest[:open])
		out = append(out, Image(afterOpen[:end], ""))
		rest = afterOpen[end+len(ImageClose):]
	}
	return appendText(out, rest)
}

// appendText adds s to the last block: a text block grows, an image gains
// caption text.
func appendText(c Content, s string) Content {
	if s == "" {
		return c
	}
	if n := len(c); n > 0 {
		if c[n-1].Kind == KindText {
			c[n-1].Text += s
		} else {
			c[n-1].Caption += s
		}
		return c
	}
	return append(c, Text(s))
}

// MarshalJSON encodes content as its block list.
func (c Content) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Block(c))
}
