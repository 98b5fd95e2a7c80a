package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CassiopeiaCode/gemini-business2api/internal/translate"
)

func (s *Server) handleGeminiListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(servedModels))
	for _, m := range servedModels {
		models = append(models, gin.H{
			"name":                       "models/" + m,
			"displayName":                m,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// handleGeminiGenerate serves both POST /v1beta/models/{model}:generateContent
// and :streamGenerateContent. Gin captures "{model}:{verb}" as one segment.
func (s *Server) handleGeminiGenerate(c *gin.Context) {
	start := time.Now()

	action := c.Param("action")
	model, verb, ok := strings.Cut(action, ":")
	if !ok {
		s.fail(c, http.StatusNotFound, "unknown action "+action)
		return
	}

	var greq translate.GeminiRequest
	if err := c.ShouldBindJSON(&greq); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		s.metrics.ObserveRequest("gemini", http.StatusBadRequest, time.Since(start).Seconds())
		return
	}
	req := greq.ToInternal(model)
	if len(req.Messages) == 0 {
		s.fail(c, http.StatusBadRequest, "contents must not be empty")
		s.metrics.ObserveRequest("gemini", http.StatusBadRequest, time.Since(start).Seconds())
		return
	}

	var err error
	switch verb {
	case "generateContent":
		err = s.geminiGenerate(c, req, model)
	case "streamGenerateContent":
		err = s.geminiStream(c, req, model)
	default:
		s.fail(c, http.StatusNotFound, "unknown method "+verb)
		return
	}

	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
	}
	s.metrics.ObserveRequest("gemini", code, time.Since(start).Seconds())
}

func (s *Server) geminiGenerate(c *gin.Context, req *translate.ChatRequest, model string) error {
	builder := translate.NewGeminiResponseBuilder(model)
	builder.SetPromptTokens(translate.PromptTokens(req.Messages))

	var parts []map[string]interface{}
	err := s.runChat(c.Request.Context(), req, func(ev chatEvent) error {
		switch {
		case ev.Finish:
		case ev.Image != nil:
			parts = append(parts, map[string]interface{}{
				"inlineData": map[string]interface{}{
					"mimeType": ev.Image.MimeType,
					"data":     ev.Image.Data,
				},
			})
		default:
			part := map[string]interface{}{"text": ev.Text}
			if ev.Thought {
				part["thought"] = true
			}
			parts = append(parts, part)
		}
		return nil
	})
	if err != nil {
		code := statusFor(err)
		s.fail(c, code, err.Error())
		return err
	}

	c.JSON(http.StatusOK, builder.Response(parts, "STOP"))
	return nil
}

func (s *Server) geminiStream(c *gin.Context, req *translate.ChatRequest, model string) error {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	builder := translate.NewGeminiResponseBuilder(model)
	builder.SetPromptTokens(translate.PromptTokens(req.Messages))
	flusher, _ := c.Writer.(http.Flusher)
	wroteHeader := false

	send := func(chunk map[string]interface{}) error {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", mustJSON(chunk)); err != nil {
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
			return send(builder.StreamChunk(translate.ChunkOptions{FinishReason: "STOP"}))
		case ev.Image != nil:
			return send(builder.StreamChunk(translate.ChunkOptions{
				InlineData: map[string]string{
					"mimeType": ev.Image.MimeType,
					"data":     ev.Image.Data,
				},
			}))
		default:
			return send(builder.StreamChunk(translate.ChunkOptions{
				Text:    ev.Text,
				HasText: true,
				Thought: ev.Thought,
			}))
		}
	})
	if err != nil {
		if !wroteHeader {
			code := statusFor(err)
			s.fail(c, code, err.Error())
			return err
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n",
			mustJSON(translate.ErrorResponse(statusFor(err), err.Error(), nil)))
		if flusher != nil {
			flusher.Flush()
		}
		return err
	}
	return nil
}
