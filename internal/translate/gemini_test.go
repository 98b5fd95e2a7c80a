package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToInternalRolesAndSystemInstruction(t *testing.T) {
	req := &GeminiRequest{
		SystemInstruction: &GeminiContent{Parts: []GeminiPart{{Text: "be terse"}}},
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: "hello"}}},
			{Role: "model", Parts: []GeminiPart{{Text: "hi "}, {Text: "there"}}},
			{Role: "user", Parts: []GeminiPart{{Text: "bye"}}},
		},
	}

	out := req.ToInternal("gemini-business")
	require.Len(t, out.Messages, 4)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be terse", ExtractText(out.Messages[0].Content))
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "assistant", out.Messages[2].Role)
	assert.Equal(t, "hi there", ExtractText(out.Messages[2].Content))
	assert.Equal(t, "gemini-business", out.Model)
	assert.True(t, out.Stream)
}

func TestToInternalInlineDataBecomesDataURI(t *testing.T) {
	req := &GeminiRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{
				{Text: "what is this"},
				{InlineData: map[string]string{"mimeType": "image/jpeg", "data": "QUJD"}},
			}},
		},
	}

	out := req.ToInternal("m")
	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]ContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/jpeg;base64,QUJD", parts[1].ImageURL.URL)
}

func TestToInternalTemperature(t *testing.T) {
	temp := 0.4
	req := &GeminiRequest{
		Contents:         []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: "x"}}}},
		GenerationConfig: &GeminiGenerationConfig{Temperature: &temp},
	}
	assert.Equal(t, 0.4, req.ToInternal("m").Temperature)
}

func TestStreamChunkEnvelope(t *testing.T) {
	b := NewGeminiResponseBuilder("gemini-business")
	assert.Len(t, b.ResponseID(), 24)

	chunk := b.StreamChunk(ChunkOptions{Text: "hello world", HasText: true})

	assert.Equal(t, "gemini-business", chunk["modelVersion"])
	assert.Equal(t, b.ResponseID(), chunk["responseId"])

	candidates := chunk["candidates"].([]interface{})
	require.Len(t, candidates, 1)
	candidate := candidates[0].(map[string]interface{})
	assert.Equal(t, 0, candidate["index"])
	assert.NotContains(t, candidate, "finishReason")

	content := candidate["content"].(map[string]interface{})
	assert.Equal(t, "model", content["role"])
	parts := content["parts"].([]map[string]interface{})
	require.Len(t, parts, 1)
	assert.Equal(t, "hello world", parts[0]["text"])
}

func TestStreamChunkFinishReason(t *testing.T) {
	b := NewGeminiResponseBuilder("m")
	chunk := b.StreamChunk(ChunkOptions{FinishReason: "STOP"})
	candidate := chunk["candidates"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "STOP", candidate["finishReason"])
}

// Usage accumulates across chunks, split between thought and candidate
// output, and is never reset mid-response.
func TestStreamChunkUsageAccumulates(t *testing.T) {
	b := NewGeminiResponseBuilder("m")
	b.SetPromptTokens(10)

	b.StreamChunk(ChunkOptions{Text: "think hard", HasText: true, Thought: true}) // 10/4+1 = 3
	chunk := b.StreamChunk(ChunkOptions{Text: "answer!!", HasText: true})         // 8/4+1 = 3

	usage := chunk["usageMetadata"].(map[string]interface{})
	assert.Equal(t, 10, usage["promptTokenCount"])
	assert.Equal(t, 3, usage["thoughtsTokenCount"])
	assert.Equal(t, 3, usage["candidatesTokenCount"])
	assert.Equal(t, 16, usage["totalTokenCount"])

	chunk = b.StreamChunk(ChunkOptions{Text: "more", HasText: true}) // 4/4+1 = 2
	usage = chunk["usageMetadata"].(map[string]interface{})
	assert.Equal(t, 5, usage["candidatesTokenCount"])
	assert.Equal(t, 18, usage["totalTokenCount"])
}

func TestStreamChunkThoughtSignatureOnly(t *testing.T) {
	sig := "sig-123"
	b := NewGeminiResponseBuilder("m")
	chunk := b.StreamChunk(ChunkOptions{ThoughtSignature: &sig})

	candidate := chunk["candidates"].([]interface{})[0].(map[string]interface{})
	parts := candidate["content"].(map[string]interface{})["parts"].([]map[string]interface{})
	require.Len(t, parts, 1)
	assert.Equal(t, "", parts[0]["text"])
	assert.Equal(t, "sig-123", parts[0]["thoughtSignature"])
}

func TestResponseEnvelope(t *testing.T) {
	b := NewGeminiResponseBuilder("m")
	b.SetPromptTokens(4)

	resp := b.Response([]map[string]interface{}{
		{"text": "thinking", "thought": true},
		{"text": "final answer"},
	}, "")

	candidate := resp["candidates"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "STOP", candidate["finishReason"])

	usage := resp["usageMetadata"].(map[string]interface{})
	assert.Equal(t, 4, usage["promptTokenCount"])
	assert.Equal(t, 3, usage["thoughtsTokenCount"])
	assert.Equal(t, 4, usage["candidatesTokenCount"])
}

func TestErrorResponseEnvelope(t *testing.T) {
	resp := ErrorResponse(429, "slow down", nil)
	inner := resp["error"].(map[string]interface{})
	assert.Equal(t, 429, inner["code"])
	assert.Equal(t, "slow down", inner["message"])
	assert.Equal(t, "RESOURCE_EXHAUSTED", inner["status"])
	assert.NotContains(t, inner, "details")

	resp = ErrorResponse(418, "teapot", map[string]string{"hint": "nope"})
	inner = resp["error"].(map[string]interface{})
	assert.Equal(t, "UNKNOWN", inner["status"])
	assert.Contains(t, inner, "details")
}

func TestStatusNameTable(t *testing.T) {
	cases := map[int]string{
		400: "INVALID_ARGUMENT",
		401: "UNAUTHENTICATED",
		403: "PERMISSION_DENIED",
		404: "NOT_FOUND",
		429: "RESOURCE_EXHAUSTED",
		500: "INTERNAL",
		503: "UNAVAILABLE",
		504: "DEADLINE_EXCEEDED",
		502: "UNKNOWN",
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusName(code))
	}
}
