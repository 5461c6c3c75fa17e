package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/OmChillure/babel"
	"github.com/OmChillure/babel/internal/chat"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model that answers a single input. It returns an iterator that yields
// response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, input string) iter.Seq2[string, error]
}

// Main handles the web surface of the chat application. It owns the live chat sessions, pushes their
// message logs to the browser over server-sent events, and, when an LLM is configured, serves the
// completion endpoint the sessions stream from.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	streamer         chat.Streamer
	llm              LLM
	maxMessageLength int

	mu       sync.Mutex
	sessions map[string]*chat.Session

	logger *slog.Logger
}

const errLoggerKey = "error"

// NewMain creates a new Main instance. Sessions created by Main open their streams with streamer. llm
// may be nil, in which case HandleCompletion answers 404. A non-positive maxMessageLength selects
// chat.DefaultMaxInputLength.
func NewMain(streamer chat.Streamer, llm LLM, maxMessageLength int, logger *slog.Logger) (*Main, error) {
	if maxMessageLength <= 0 {
		maxMessageLength = chat.DefaultMaxInputLength
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		babel.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := &Main{
		templates:        tmpl,
		streamer:         streamer,
		llm:              llm,
		maxMessageLength: maxMessageLength,
		sessions:         make(map[string]*chat.Session),
		logger:           logger.With(slog.String("module", "main")),
	}

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// Clients only ever listen to the session they were handed by the home page
			sessionID := s.Req.URL.Query().Get("session_id")
			if _, ok := m.session(sessionID); !ok {
				return sse.Subscription{}, false
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, sessionTopic(sessionID)},
			}, true
		},
	}

	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Shutdown closes every live session, then terminates the SSE server. It broadcasts a close message to
// all connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*chat.Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Error("Failed to close session",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	e := &sse.Message{Type: closeSSEType}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
