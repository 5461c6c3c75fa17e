package handlers_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OmChillure/babel/internal/chat"
	"github.com/OmChillure/babel/internal/handlers"
	"github.com/OmChillure/babel/internal/models"
	"github.com/OmChillure/babel/internal/services"
)

type mockLLM struct {
	responses []string
	err       error
}

type mockStreamer struct{}

type mockStream struct {
	closeOnce sync.Once
	closed    chan struct{}
}

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	sessionIDRe   = regexp.MustCompile(`data-session-id="([^"]+)"`)
)

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(mockStreamer{}, nil, 0, discardLogger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	main, err := handlers.NewMain(mockStreamer{}, nil, 0, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer main.Shutdown(context.Background())

	tests := []struct {
		name       string
		method     string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page",
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "data-session-id=",
		},
		{
			name:       "Home page with initial message",
			method:     http.MethodGet,
			url:        "/?q=" + url.QueryEscape("hello from a link"),
			wantStatus: http.StatusOK,
			wantBody:   "hello from a link",
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/missing",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChats(t *testing.T) {
	main, err := handlers.NewMain(mockStreamer{}, nil, 10, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer main.Shutdown(context.Background())

	sessionID := newSession(t, main)

	tests := []struct {
		name       string
		method     string
		message    string
		sessionID  string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			sessionID:  sessionID,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Unknown session",
			method:     http.MethodPost,
			message:    "Hello",
			sessionID:  "missing",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			message:    "   ",
			sessionID:  sessionID,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Message too long",
			method:     http.MethodPost,
			message:    "Hello world!",
			sessionID:  sessionID,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "Valid message",
			method:     http.MethodPost,
			message:    "Hello",
			sessionID:  sessionID,
			wantStatus: http.StatusOK,
			wantBody:   `data-streaming-state="loading"`,
		},
		{
			name:       "Busy session",
			method:     http.MethodPost,
			message:    "Again",
			sessionID:  sessionID,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postForm(main.HandleChats, tt.method, "/chats", url.Values{
				"message":    {tt.message},
				"session_id": {tt.sessionID},
			})

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChats() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleCloseChat(t *testing.T) {
	main, err := handlers.NewMain(mockStreamer{}, nil, 0, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer main.Shutdown(context.Background())

	sessionID := newSession(t, main)
	form := url.Values{"session_id": {sessionID}, "message": {"Hello"}}

	if w := postForm(main.HandleChats, http.MethodPost, "/chats", form); w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	for range 2 {
		if w := postForm(main.HandleCloseChat, http.MethodPost, "/chats/close", form); w.Code != http.StatusNoContent {
			t.Errorf("HandleCloseChat() status = %v, want %v", w.Code, http.StatusNoContent)
		}
	}

	if w := postForm(main.HandleChats, http.MethodPost, "/chats", form); w.Code != http.StatusNotFound {
		t.Errorf("HandleChats() after close status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestHandleCompletion(t *testing.T) {
	tests := []struct {
		name string
		llm  *mockLLM
		want []string
	}{
		{
			name: "Streams chunks then sentinel",
			llm:  &mockLLM{responses: []string{"Hi", " there"}},
			want: []string{"Hi there"},
		},
		{
			name: "Provider error before content",
			llm:  &mockLLM{err: errors.New("provider down")},
			want: []string{"", models.FailureNotice},
		},
		{
			name: "Provider error after content",
			llm:  &mockLLM{responses: []string{"Hi"}, err: errors.New("provider down")},
			want: []string{"Hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, err := handlers.NewMain(mockStreamer{}, tt.llm, 0, discardLogger)
			if err != nil {
				t.Fatal(err)
			}

			srv := httptest.NewServer(http.HandlerFunc(main.HandleCompletion))
			defer srv.Close()

			s := chat.NewSession(services.NewCompletion(srv.URL, nil, discardLogger), chat.WithLogger(discardLogger))
			defer s.Close()

			if err := s.Submit("hello"); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Wait(ctx); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}

			msgs := s.Messages()[1:]
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d assistant messages, want %d: %+v", len(msgs), len(tt.want), msgs)
			}
			for i, want := range tt.want {
				if msgs[i].Text != want || msgs[i].Streaming {
					t.Errorf("assistant message %d = %+v, want text %q", i, msgs[i], want)
				}
			}
		})
	}
}

func TestHandleCompletionRejects(t *testing.T) {
	withLLM, err := handlers.NewMain(mockStreamer{}, &mockLLM{}, 0, discardLogger)
	if err != nil {
		t.Fatal(err)
	}
	withoutLLM, err := handlers.NewMain(mockStreamer{}, nil, 0, discardLogger)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		main       *handlers.Main
		url        string
		wantStatus int
	}{
		{name: "Relay disabled", main: withoutLLM, url: "/completion?input=hi", wantStatus: http.StatusNotFound},
		{name: "Missing input", main: withLLM, url: "/completion", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.main.HandleCompletion(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("HandleCompletion() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func newSession(t *testing.T, main *handlers.Main) string {
	t.Helper()
	w := httptest.NewRecorder()
	main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

	match := sessionIDRe.FindStringSubmatch(w.Body.String())
	if match == nil {
		t.Fatalf("session id not found in %s", w.Body.String())
	}
	return match[1]
}

func postForm(h http.HandlerFunc, method, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func (m mockLLM) Chat(_ context.Context, _ string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (mockStreamer) Open(context.Context, string) (chat.Stream, error) {
	return &mockStream{closed: make(chan struct{})}, nil
}

// Events never yields, keeping the session busy until it is closed.
func (m *mockStream) Events() iter.Seq2[string, error] {
	return func(func(string, error) bool) {
		<-m.closed
	}
}

func (m *mockStream) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
