package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/OmChillure/babel/internal/chat"
	"github.com/tmaxmax/go-sse"
)

type completionPayload struct {
	Content string `json:"content"`
}

// HandleCompletion serves GET /completion?input=... as an event stream. Every chunk the LLM produces is
// sent as a message event whose data is {"content": chunk}, and a final chat.DoneSentinel event ends
// the stream. When the LLM fails the connection is closed without the sentinel, which clients treat as a
// transport error.
func (m *Main) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if m.llm == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	input := r.URL.Query().Get("input")
	if input == "" {
		m.logger.Error("Input is required")
		http.Error(w, "Input is required", http.StatusBadRequest)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chunks := 0
	for content, err := range m.llm.Chat(r.Context(), input) {
		if err != nil {
			m.logger.Error("Error from llm provider",
				slog.Int("chunks", chunks),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		if content == "" {
			continue
		}

		data, err := json.Marshal(completionPayload{Content: content})
		if err != nil {
			m.logger.Error("Failed to marshal payload", slog.String(errLoggerKey, err.Error()))
			return
		}

		msg := &sse.Message{}
		msg.AppendData(string(data))
		if err := m.send(sess, msg); err != nil {
			// Most likely the client went away.
			m.logger.Debug("Failed to send chunk", slog.String(errLoggerKey, err.Error()))
			return
		}
		chunks++
	}

	done := &sse.Message{}
	done.AppendData(chat.DoneSentinel)
	if err := m.send(sess, done); err != nil {
		m.logger.Debug("Failed to send done sentinel", slog.String(errLoggerKey, err.Error()))
		return
	}

	m.logger.Debug("Completion streamed", slog.Int("chunks", chunks))
}

func (m *Main) send(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
