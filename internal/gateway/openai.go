package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CassiopeiaCode/gemini-business2api/internal/translate"
)

func (s *Server) handleListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(servedModels))
	for _, m := range servedModels {
		models = append(models, gin.H{
			"id":       m,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	start := time.Now()

	var req translate.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		s.metrics.ObserveRequest("openai", http.StatusBadRequest, time.Since(start).Seconds())
		return
	}
	if len(req.Messages) == 0 {
		s.fail(c, http.StatusBadRequest, "messages must not be empty")
		s.metrics.ObserveRequest("openai", http.StatusBadRequest, time.Since(start).Seconds())
		return
	}

	var err error
	if req.Stream {
		err = s.streamCompletions(c, &req)
	} else {
		err = s.completions(c, &req)
	}

	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
	}
	s.metrics.ObserveRequest("openai", code, time.Since(start).Seconds())
}

func (s *Server) completions(c *gin.Context, req *translate.ChatRequest) error {
	var content, reasoning strings.Builder
	err := s.runChat(c.Request.Context(), req, func(ev chatEvent) error {
		switch {
		case ev.Image != nil:
			// Generated files render as inline markdown images.
			fmt.Fprintf(&content, "\n![%s](data:%s;base64,%s)\n", ev.Image.Name, ev.Image.MimeType, ev.Image.Data)
		case ev.Thought:
			reasoning.WriteString(ev.Text)
		default:
			content.WriteString(ev.Text)
		}
		return nil
	})
	if err != nil {
		code := statusFor(err)
		s.fail(c, code, err.Error())
		return err
	}

	usage := &translate.ChatUsage{
		PromptTokens:     translate.PromptTokens(req.Messages),
		CompletionTokens: len(content.String())/4 + 1,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	resp := translate.NewChatResponse(req.Model, content.String(), "stop", usage)
	if reasoning.Len() > 0 {
		resp.Choices[0].Message["reasoning_content"] = reasoning.String()
	}
	c.JSON(http.StatusOK, resp)
	return nil
}

func (s *Server) streamCompletions(c *gin.Context, req *translate.ChatRequest) error {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	flusher, _ := c.Writer.(http.Flusher)
	wroteHeader := false

	send := func(chunk *translate.ChatResponse) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		wroteHeader = true
		return nil
	}

	err := s.runChat(c.Request.Context(), req, func(ev chatEvent) error {
		switch {
		case ev.Finish:
			reason := "stop"
			return send(translate.ChatStreamChunk(id, req.Model, "", false, &reason))
		case ev.Image != nil:
			md := fmt.Sprintf("\n![%s](data:%s;base64,%s)\n", ev.Image.Name, ev.Image.MimeType, ev.Image.Data)
			return send(translate.ChatStreamChunk(id, req.Model, md, false, nil))
		default:
			return send(translate.ChatStreamChunk(id, req.Model, ev.Text, ev.Thought, nil))
		}
	})
	if err != nil {
		if !wroteHeader {
			code := statusFor(err)
			s.fail(c, code, err.Error())
			return err
		}
		// Mid-stream failure: the status line is long gone, surface the
		// error as a final SSE event instead.
		fmt.Fprintf(c.Writer, "data: %s\n\n",
			mustJSON(translate.ErrorResponse(statusFor(err), err.Error(), nil)))
		if flusher != nil {
			flusher.Flush()
		}
		return err
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
