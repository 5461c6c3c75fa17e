package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/OmChillure/babel/internal/chat"
	"github.com/OmChillure/babel/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Sender    string
	Text      string
	HTML      template.HTML
	Timestamp time.Time

	StreamingState string
}

type messagesData struct {
	SessionID string
	Messages  []message
	Busy      bool
}

type homePageData struct {
	messagesData
	MaxMessageLength int
}

// SSE event types for real-time updates.
var (
	messagesSSEType = sse.Type("messages")
	closeSSEType    = sse.Type("closeChat")
)

var templateFuncs = template.FuncMap{
	"isUser": func(sender string) bool { return sender == string(models.SenderUser) },
}

// HandleHome renders the chat page for a fresh session. A non-empty "q" query parameter is submitted as
// the first message of the session, so a conversation can be started from a link.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sessionID, s := m.newSession()

	if q := r.URL.Query().Get("q"); q != "" {
		if err := s.Submit(q); err != nil {
			m.logger.Warn("Initial message rejected",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	data, err := m.messagesData(sessionID, s.Snapshot())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "home.html", homePageData{
		messagesData:     data,
		MaxMessageLength: m.maxMessageLength,
	})
	if err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChats submits the "message" form field to the session named by "session_id" and renders the
// updated message log. Submissions the session rejects are answered with 400 for blank input, 413 for
// oversized input, and 409 while a response is still streaming; the session is left untouched.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	s, ok := m.session(sessionID)
	if !ok {
		m.logger.Error("Session not found", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if err := s.Submit(r.FormValue("message")); err != nil {
		m.logger.Debug("Message rejected",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), submitStatus(err))
		return
	}

	data, err := m.messagesData(sessionID, s.Snapshot())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "messages", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCloseChat tears down the session named by the "session_id" form field. The page calls it when
// the user navigates away. Unknown sessions are ignored, so the call is idempotent.
func (m *Main) HandleCloseChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		if err := s.Close(); err != nil {
			m.logger.Error("Failed to close session",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
		}
		m.logger.Debug("Session closed", slog.String("sessionID", sessionID))
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE subscribes the client to the updates of the session named by the "session_id" query
// parameter.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrInputTooLong):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (m *Main) newSession() (string, *chat.Session) {
	sessionID := uuid.New().String()
	logger := m.logger.With(slog.String("sessionID", sessionID))

	s := chat.NewSession(m.streamer,
		chat.WithLogger(logger),
		chat.WithMaxInputLength(m.maxMessageLength),
		chat.WithObserver(func(snap models.Snapshot) {
			m.publishMessages(sessionID, snap)
		}),
	)

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	logger.Debug("Session created")

	return sessionID, s
}

func (m *Main) session(sessionID string) (*chat.Session, bool) {
	if sessionID == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Main) publishMessages(sessionID string, snap models.Snapshot) {
	data, err := m.messagesData(sessionID, snap)
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "messages", data); err != nil {
		m.logger.Error("Failed to execute messages template",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) messagesData(sessionID string, snap models.Snapshot) (messagesData, error) {
	msgs := make([]message, len(snap.Messages))
	for i, msg := range snap.Messages {
		msgs[i] = message{
			ID:             msg.ID,
			Sender:         string(msg.Sender),
			Text:           msg.Text,
			Timestamp:      msg.Timestamp,
			StreamingState: msg.StreamingState(),
		}
		if msg.Sender != models.SenderAssistant {
			continue
		}
		rendered, err := models.RenderText(msg.Text)
		if err != nil {
			return messagesData{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		// RenderText drops raw HTML from the source, so its output is trusted.
		msgs[i].HTML = template.HTML(rendered)
	}

	return messagesData{
		SessionID: sessionID,
		Messages:  msgs,
		Busy:      snap.Busy,
	}, nil
}
