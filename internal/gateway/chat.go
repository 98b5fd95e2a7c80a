package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/credential"
	"github.com/CassiopeiaCode/gemini-business2api/internal/session"
	"github.com/CassiopeiaCode/gemini-business2api/internal/translate"
	"github.com/CassiopeiaCode/gemini-business2api/internal/upstream"
)

// chatEvent is one fragment of a model turn, surface-agnostic. The OpenAI
// and Gemini handlers render these into their own wire shapes.
type chatEvent struct {
	Text    string
	Thought bool
	Image   *generatedImage
	Finish  bool
}

type generatedImage struct {
	MimeType string
	Name     string
	Data     string // base64
}

// errStreamStarted marks failures that happened after output reached the
// client, where failing over to another account is no longer possible.
var errStreamStarted = errors.New("stream already started")

// runChat drives one chat turn end to end: derive session keys, pick an
// account, reuse or create an upstream session, stream the answer and emit
// chatEvents. Fails over to the next account on rate limits and transient
// errors as long as nothing has been emitted yet.
func (s *Server) runChat(ctx context.Context, req *translate.ChatRequest, emit func(chatEvent) error) error {
	keys := session.Derive(req.Messages, req.User)

	attempts := s.failoverBudget()
	var lastErr error
	for i := 0; i < attempts; i++ {
		acct, err := s.pool.Select()
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err = s.tryAccount(ctx, acct, req, keys, emit)
		if err == nil {
			return nil
		}
		if errors.Is(err, errStreamStarted) {
			return err
		}
		lastErr = err

		var rate *upstream.RateLimitError
		var transient *upstream.TransientError
		var timeout *upstream.TimeoutError
		var safety *upstream.SafetyError
		switch {
		case errors.As(err, &rate):
			s.creds.RecordRateLimited(acct.ID, rate.RetryAfter)
			s.metrics.UpstreamErrors.WithLabelValues("rate_limit").Inc()
			s.log.Warn("account rate limited, failing over", "account", acct.ID)
		case errors.As(err, &transient), errors.As(err, &timeout):
			s.creds.RecordFailure(acct.ID)
			s.metrics.UpstreamErrors.WithLabelValues("transient").Inc()
			s.log.Warn("transient upstream failure, failing over", "account", acct.ID, "error", err)
		case errors.As(err, &safety):
			// The content itself was rejected. No account is at fault and
			// no account switch can change the outcome.
			s.metrics.UpstreamErrors.WithLabelValues("safety").Inc()
			return err
		case errors.Is(err, credential.ErrCoolingDown):
			continue
		default:
			s.creds.RecordFailure(acct.ID)
			s.metrics.UpstreamErrors.WithLabelValues("permanent").Inc()
			return err
		}
	}
	return lastErr
}

// failoverBudget is how many accounts one request may burn through.
func (s *Server) failoverBudget() int {
	h, err := s.pool.Health()
	if err != nil || h.Available < 1 {
		return 1
	}
	if h.Available > 5 {
		return 5
	}
	return h.Available
}

// tryAccount runs the whole turn against one account.
func (s *Server) tryAccount(ctx context.Context, acct *account.Record, req *translate.ChatRequest,
	keys session.Keys, emit func(chatEvent) error) error {

	sessionName, reused, err := s.resolveSession(ctx, acct, keys)
	if err != nil {
		return err
	}

	err = s.streamTurn(ctx, acct, req, keys, sessionName, reused, emit)
	if err == nil {
		s.creds.RecordSuccess(acct.ID)
		return nil
	}

	// A reused session may have been evicted upstream. Drop the cache entry
	// and run the turn once more on a fresh session with the full history.
	var permanent *upstream.PermanentError
	if reused && errors.As(err, &permanent) {
		s.log.Info("cached session rejected, retrying on a fresh one", "account", acct.ID)
		s.sessions.Invalidate(keys.Lookup)
		sessionName, err = s.up.CreateSession(ctx, acct)
		if err != nil {
			return err
		}
		err = s.streamTurn(ctx, acct, req, keys, sessionName, false, emit)
		if err == nil {
			s.creds.RecordSuccess(acct.ID)
		}
		return err
	}
	return err
}

// resolveSession finds a reusable upstream session or creates a new one.
func (s *Server) resolveSession(ctx context.Context, acct *account.Record, keys session.Keys) (string, bool, error) {
	if !keys.ForceNew {
		if name, ok := s.sessions.Lookup(keys.Lookup); ok {
			s.metrics.SessionHits.Inc()
			return name, true, nil
		}
	}
	s.metrics.SessionMisses.Inc()
	name, err := s.up.CreateSession(ctx, acct)
	return name, false, err
}

func (s *Server) streamTurn(ctx context.Context, acct *account.Record, req *translate.ChatRequest,
	keys session.Keys, sessionName string, reused bool, emit func(chatEvent) error) error {

	query, images := buildQuery(req.Messages, reused)
	fileIDs := make([]string, 0, len(images))
	for _, img := range images {
		id, err := s.up.AddContextFile(ctx, acct, sessionName, img.MimeType, img.Data)
		if err != nil {
			return err
		}
		fileIDs = append(fileIDs, id)
	}

	opts := upstream.AssistOptions{Query: query, FileIDs: fileIDs}
	if req.Temperature > 0 {
		t := req.Temperature
		opts.Temperature = &t
	}

	stream, err := s.up.StreamAssist(ctx, acct, sessionName, opts)
	if err != nil {
		return err
	}
	defer stream.Close()

	emitted := false
	var generated []string
	upstreamSession := sessionName
	for {
		events, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if emitted {
				return fmt.Errorf("%w: %v", errStreamStarted, err)
			}
			return err
		}
		for _, ev := range events {
			if ev.SessionName != "" {
				upstreamSession = ev.SessionName
			}
			if ev.FileID != "" {
				generated = append(generated, ev.FileID)
			}
			if ev.Text != "" {
				text := ev.Text
				var inline []translate.InlineImage
				if !ev.Thought {
					// The model sometimes embeds images straight into its
					// text as markdown data URIs; carry them as binary parts.
					text, inline = translate.ExtractMarkdownImages(ev.Text)
				}
				if text != "" {
					if err := emit(chatEvent{Text: text, Thought: ev.Thought}); err != nil {
						return fmt.Errorf("%w: %v", errStreamStarted, err)
					}
					emitted = true
				}
				for _, img := range inline {
					if err := emit(chatEvent{Image: &generatedImage{MimeType: img.MimeType, Data: img.Data}}); err != nil {
						return fmt.Errorf("%w: %v", errStreamStarted, err)
					}
					emitted = true
				}
			}
		}
	}

	for _, img := range s.fetchGenerated(ctx, acct, upstreamSession, generated) {
		img := img
		if err := emit(chatEvent{Image: &img}); err != nil {
			return fmt.Errorf("%w: %v", errStreamStarted, err)
		}
	}
	if err := emit(chatEvent{Finish: true}); err != nil {
		return fmt.Errorf("%w: %v", errStreamStarted, err)
	}

	s.sessions.Store(keys.Store, upstreamSession)
	return nil
}

// fetchGenerated resolves and downloads files the model attached. Download
// failures degrade to a text-only answer rather than failing the turn.
func (s *Server) fetchGenerated(ctx context.Context, acct *account.Record, sessionName string, fileIDs []string) []generatedImage {
	if len(fileIDs) == 0 {
		return nil
	}
	meta := s.up.ListGeneratedFiles(ctx, acct, sessionName)

	var out []generatedImage
	for _, id := range fileIDs {
		data, err := s.up.DownloadFile(ctx, acct, sessionName, id)
		if err != nil {
			s.log.Warn("generated file dropped", "file", id, "error", err)
			continue
		}
		img := generatedImage{
			MimeType: "application/octet-stream",
			Data:     base64.StdEncoding.EncodeToString(data),
		}
		if m, ok := meta[id]; ok {
			if m.MimeType != "" {
				img.MimeType = m.MimeType
			}
			img.Name = m.Name
		}
		out = append(out, img)
	}
	return out
}

// buildQuery renders the message history into the single query string the
// upstream assist call takes, and collects inline images to upload.
//
// On a reused session the upstream side already holds the earlier turns, so
// only the newest user message is sent. On a fresh session the whole history
// is replayed with role prefixes.
func buildQuery(messages []translate.Message, reused bool) (string, []generatedImage) {
	var images []generatedImage
	addURL := func(url string) {
		if mime, data, ok := translate.ParseDataURI(url); ok {
			images = append(images, generatedImage{MimeType: mime, Data: data})
		}
	}
	collect := func(m translate.Message) {
		switch parts := m.Content.(type) {
		case []translate.ContentPart:
			for _, p := range parts {
				if p.Type == "image_url" && p.ImageURL != nil {
					addURL(p.ImageURL.URL)
				}
			}
		case []interface{}: // raw JSON multipart content
			for _, raw := range parts {
				part, ok := raw.(map[string]interface{})
				if !ok || part["type"] != "image_url" {
					continue
				}
				if iu, ok := part["image_url"].(map[string]interface{}); ok {
					if url, ok := iu["url"].(string); ok {
						addURL(url)
					}
				}
			}
		}
	}

	if reused {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				collect(messages[i])
				return translate.ExtractText(messages[i].Content), images
			}
		}
		return "", nil
	}

	var b strings.Builder
	for _, m := range messages {
		collect(m)
		text := translate.ExtractText(m.Content)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String(), images
}
