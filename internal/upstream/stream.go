package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
)

// AssistOptions tunes one assist call.
type AssistOptions struct {
	Query       string
	FileIDs     []string
	Temperature *float64
}

// AssistEvent is one parsed fragment of a streaming assist response.
type AssistEvent struct {
	Text        string
	Thought     bool
	FileID      string // set when the model attached a generated file
	SessionName string // echoed by upstream, non-empty at least once
	Finished    bool
}

// AssistStream is an in-flight streaming assist call. Next returns events
// until io.EOF; Close releases the connection.
type AssistStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	started bool
}

// StreamAssist sends a query into an existing session and returns the
// streaming response. The response body is a JSON array of result objects
// that upstream flushes incrementally; the returned stream decodes it
// element by element.
func (r *Requester) StreamAssist(ctx context.Context, acct *account.Record, sessionName string, opts AssistOptions) (*AssistStream, error) {
	assistReq := map[string]interface{}{
		"name":  sessionName,
		"query": map[string]interface{}{"text": opts.Query},
	}
	if len(opts.FileIDs) > 0 {
		assistReq["fileIds"] = opts.FileIDs
	}
	if opts.Temperature != nil {
		assistReq["generationSpec"] = map[string]interface{}{"temperature": *opts.Temperature}
	}

	payload := r.widgetParams(acct, "streamAssistRequest", assistReq)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := r.Do(ctx, acct, http.MethodPost, r.baseURL+"/locations/global/widgetStreamAssist", body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("streamAssist: %w", classifyResponse(resp, data))
	}

	return &AssistStream{body: resp.Body, decoder: json.NewDecoder(resp.Body)}, nil
}

// assistChunk mirrors one element of the upstream response array.
type assistChunk struct {
	Answer struct {
		Replies []struct {
			GroundedContent struct {
				Content struct {
					Text    string `json:"text"`
					Thought bool   `json:"thought"`
					File    struct {
						FileID string `json:"fileId"`
					} `json:"file"`
				} `json:"content"`
			} `json:"groundedContent"`
		} `json:"replies"`
		State string `json:"state"`
	} `json:"answer"`
	SessionInfo struct {
		Session string `json:"session"`
	} `json:"sessionInfo"`
}

// Next returns the next batch of events. It returns io.EOF when the stream
// is exhausted.
func (s *AssistStream) Next() ([]AssistEvent, error) {
	if !s.started {
		// Consume the opening bracket of the response array.
		tok, err := s.decoder.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, fmt.Errorf("unexpected stream prefix %v", tok)
		}
		s.started = true
	}

	if !s.decoder.More() {
		return nil, io.EOF
	}

	var chunk assistChunk
	if err := s.decoder.Decode(&chunk); err != nil {
		return nil, err
	}

	var events []AssistEvent
	for _, reply := range chunk.Answer.Replies {
		content := reply.GroundedContent.Content
		if content.Text == "" && content.File.FileID == "" {
			continue
		}
		events = append(events, AssistEvent{
			Text:    content.Text,
			Thought: content.Thought,
			FileID:  content.File.FileID,
		})
	}
	if chunk.SessionInfo.Session != "" {
		events = append(events, AssistEvent{SessionName: chunk.SessionInfo.Session})
	}
	if chunk.Answer.State == "SUCCEEDED" || chunk.Answer.State == "FAILED" {
		events = append(events, AssistEvent{Finished: true})
	}

	return events, nil
}

// Close releases the underlying connection.
func (s *AssistStream) Close() error {
	return s.body.Close()
}
