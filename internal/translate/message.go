package translate

import (
	"fmt"
	"strings"
)

// Message is the canonical internal chat message. Content is either a plain
// string or a multipart array ([]ContentPart after inbound conversion, or
// []interface{} straight from JSON decoding).
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is one block of a multipart message body.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an image reference: an https URL or a base64 data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ExtractText flattens a message body to its text-only content. Non-text
// parts of multimodal bodies are dropped.
func ExtractText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []ContentPart:
		var b strings.Builder
		for _, part := range c {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	case []interface{}:
		var b strings.Builder
		for _, raw := range c {
			part, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if part["type"] == "text" {
				if text, ok := part["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", c)
	}
}

// TextMessage builds a plain text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// PromptTokens estimates the token cost of a message history's text content.
func PromptTokens(messages []Message) int {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(ExtractText(m.Content))
	}
	return estimateTokens(b.String())
}
