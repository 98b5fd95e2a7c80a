package translate

import (
	"strings"

	"github.com/google/uuid"
)

// GeminiPart is one content block of a Gemini-native message: text and/or
// inline binary data ({"mimeType": ..., "data": base64}).
type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData map[string]string `json:"inlineData,omitempty"`
}

// GeminiContent is one Gemini-native message: role "user" or "model".
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiThinkingConfig controls reasoning output.
type GeminiThinkingConfig struct {
	ThinkingLevel   string `json:"thinkingLevel,omitempty"` // "high", "medium", "low"
	IncludeThoughts *bool  `json:"includeThoughts,omitempty"`
}

// GeminiImageConfig controls image generation.
type GeminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// GeminiGenerationConfig carries model tuning knobs.
type GeminiGenerationConfig struct {
	Temperature        *float64              `json:"temperature,omitempty"`
	MaxOutputTokens    int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig     *GeminiThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseModalities []string              `json:"responseModalities,omitempty"`
	ImageConfig        *GeminiImageConfig    `json:"imageConfig,omitempty"`
}

// GeminiRequest is the Gemini-native request body.
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
}

// ToInternal converts a Gemini-native request into the canonical message
// list plus generation parameters (the OpenAI-compatible internal shape).
func (r *GeminiRequest) ToInternal(model string) *ChatRequest {
	messages := make([]Message, 0, len(r.Contents)+1)

	if r.SystemInstruction != nil {
		if text := joinPartsText(r.SystemInstruction.Parts); text != "" {
			messages = append(messages, TextMessage("system", text))
		}
	}

	for _, content := range r.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}

		hasInline := false
		for _, p := range content.Parts {
			if len(p.InlineData) > 0 {
				hasInline = true
				break
			}
		}

		if hasInline {
			var parts []ContentPart
			for _, p := range content.Parts {
				if p.Text != "" {
					parts = append(parts, ContentPart{Type: "text", Text: p.Text})
				}
				if len(p.InlineData) > 0 {
					mime := p.InlineData["mimeType"]
					if mime == "" {
						mime = "image/png"
					}
					parts = append(parts, ContentPart{
						Type:     "image_url",
						ImageURL: &ImageURL{URL: "data:" + mime + ";base64," + p.InlineData["data"]},
					})
				}
			}
			messages = append(messages, Message{Role: role, Content: parts})
		} else {
			messages = append(messages, TextMessage(role, joinPartsText(content.Parts)))
		}
	}

	req := &ChatRequest{Model: model, Messages: messages, Stream: true}
	if r.GenerationConfig != nil && r.GenerationConfig.Temperature != nil {
		req.Temperature = *r.GenerationConfig.Temperature
	}
	return req
}

func joinPartsText(parts []GeminiPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// GeminiResponseBuilder assembles Gemini-native response envelopes, keeping a
// running token estimate for thought and candidate output separately. One
// builder serves one response; it is not safe for concurrent use.
type GeminiResponseBuilder struct {
	modelVersion string
	responseID   string

	promptTokens     int
	candidatesTokens int
	thoughtsTokens   int
}

// NewGeminiResponseBuilder creates a builder for one response.
func NewGeminiResponseBuilder(modelVersion string) *GeminiResponseBuilder {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &GeminiResponseBuilder{
		modelVersion: modelVersion,
		responseID:   id[:24],
	}
}

// ResponseID returns the stable response identifier echoed on every chunk.
func (b *GeminiResponseBuilder) ResponseID() string { return b.responseID }

// SetPromptTokens records the prompt token count reported upstream.
func (b *GeminiResponseBuilder) SetPromptTokens(n int) { b.promptTokens = n }

// estimateTokens approximates the token cost of a text fragment.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

// ChunkOptions describes one streaming chunk's payload.
type ChunkOptions struct {
	Text             string
	HasText          bool
	Thought          bool
	InlineData       map[string]string
	FinishReason     string
	ThoughtSignature *string
}

// StreamChunk builds one streaming envelope and accumulates the running
// usage estimate. Usage is recomputed, never reset, on every chunk.
func (b *GeminiResponseBuilder) StreamChunk(opts ChunkOptions) map[string]interface{} {
	parts := make([]map[string]interface{}, 0, 2)

	if opts.ThoughtSignature != nil && opts.Text == "" && len(opts.InlineData) == 0 {
		parts = append(parts, map[string]interface{}{
			"text":             "",
			"thoughtSignature": *opts.ThoughtSignature,
		})
	} else if opts.HasText {
		part := map[string]interface{}{"text": opts.Text}
		if opts.Thought {
			part["thought"] = true
		}
		parts = append(parts, part)
	}

	if len(opts.InlineData) > 0 {
		part := map[string]interface{}{"inlineData": opts.InlineData}
		if opts.Thought {
			part["thought"] = true
		} else if opts.ThoughtSignature != nil {
			part["thoughtSignature"] = *opts.ThoughtSignature
		}
		parts = append(parts, part)
	}

	candidate := map[string]interface{}{
		"content": map[string]interface{}{"parts": parts, "role": "model"},
		"index":   0,
	}
	if opts.FinishReason != "" {
		candidate["finishReason"] = opts.FinishReason
	}

	if opts.Text != "" {
		n := estimateTokens(opts.Text)
		if opts.Thought {
			b.thoughtsTokens += n
		} else {
			b.candidatesTokens += n
		}
	}

	return map[string]interface{}{
		"candidates":    []interface{}{candidate},
		"usageMetadata": b.usageMetadata(),
		"modelVersion":  b.modelVersion,
		"responseId":    b.responseID,
	}
}

// Response builds the single non-streaming envelope from finished parts.
func (b *GeminiResponseBuilder) Response(parts []map[string]interface{}, finishReason string) map[string]interface{} {
	if finishReason == "" {
		finishReason = "STOP"
	}

	for _, part := range parts {
		text, _ := part["text"].(string)
		if text == "" {
			continue
		}
		n := estimateTokens(text)
		if thought, _ := part["thought"].(bool); thought {
			b.thoughtsTokens += n
		} else {
			b.candidatesTokens += n
		}
	}

	return map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content":      map[string]interface{}{"parts": parts, "role": "model"},
				"finishReason": finishReason,
				"index":        0,
			},
		},
		"usageMetadata": b.usageMetadata(),
		"modelVersion":  b.modelVersion,
		"responseId":    b.responseID,
	}
}

func (b *GeminiResponseBuilder) usageMetadata() map[string]interface{} {
	total := b.promptTokens + b.candidatesTokens + b.thoughtsTokens

	metadata := map[string]interface{}{
		"promptTokenCount": b.promptTokens,
		"totalTokenCount":  total,
		"promptTokensDetails": []interface{}{
			map[string]interface{}{"modality": "TEXT", "tokenCount": b.promptTokens},
		},
	}
	if b.candidatesTokens > 0 {
		metadata["candidatesTokenCount"] = b.candidatesTokens
	}
	if b.thoughtsTokens > 0 {
		metadata["thoughtsTokenCount"] = b.thoughtsTokens
	}
	return metadata
}
