package translate

import (
	"fmt"
	"time"
)

// ChatRequest is the OpenAI-style chat request. It doubles as the canonical
// internal representation: Gemini-native requests are converted into it.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	User        string    `json:"user,omitempty"`
}

// ChatChoice is one completion choice in an OpenAI-style response.
type ChatChoice struct {
	Index        int                    `json:"index"`
	Message      map[string]interface{} `json:"message,omitempty"`
	Delta        map[string]interface{} `json:"delta,omitempty"`
	FinishReason *string                `json:"finish_reason"`
}

// ChatUsage is the OpenAI-style token usage block.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the OpenAI-style non-streaming response envelope.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// NewChatResponse builds a completed OpenAI-style response.
func NewChatResponse(model, content, finishReason string, usage *ChatUsage) *ChatResponse {
	if finishReason == "" {
		finishReason = "stop"
	}
	return &ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      map[string]interface{}{"role": "assistant", "content": content},
				FinishReason: &finishReason,
			},
		},
		Usage: usage,
	}
}

// ChatStreamChunk builds one OpenAI-style streaming chunk. reasoning routes
// the text into the delta's reasoning_content field instead of content.
func ChatStreamChunk(id, model, text string, reasoning bool, finishReason *string) *ChatResponse {
	delta := map[string]interface{}{}
	if text != "" {
		if reasoning {
			delta["reasoning_content"] = text
		} else {
			delta["content"] = text
		}
	}
	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{Index: 0, Delta: delta, FinishReason: finishReason},
		},
	}
}

// UserMessageCount counts user-role messages, the quantity the session-reuse
// policy is keyed on.
func UserMessageCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == "user" {
			n++
		}
	}
	return n
}
