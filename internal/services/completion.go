package services

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/OmChillure/babel/internal/chat"
	"github.com/tmaxmax/go-sse"
)

// Completion is a client of the completion endpoint. It implements chat.Streamer: every Open issues a
// GET request carrying the input as a query parameter and keeps the server-push response open until the
// returned stream is closed.
type Completion struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

type completionStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	logger *slog.Logger
}

const (
	// DefaultCompletionURL is the base URL used when none is configured.
	DefaultCompletionURL = "http://localhost:3000"

	completionPath       = "completion"
	completionInputParam = "input"
)

// NewCompletion creates a new Completion client for the given base URL. A nil client means a default
// http.Client without a timeout; the lifetime of a stream is bounded by its context and Close instead.
func NewCompletion(baseURL string, client *http.Client, logger *slog.Logger) Completion {
	if baseURL == "" {
		baseURL = DefaultCompletionURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return Completion{
		baseURL: baseURL,
		client:  client,
		logger:  logger.With(slog.String("module", "completion")),
	}
}

// Open sends the completion request for input and returns the open event stream. It fails if the server
// cannot be reached, answers with a non-200 status, or does not answer with an event stream.
func (c Completion) Open(ctx context.Context, input string) (chat.Stream, error) {
	u, err := c.endpoint(input)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug("Opening stream", slog.String("url", u))

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type: %q", resp.Header.Get("Content-Type"))
	}

	return &completionStream{
		body:   resp.Body,
		cancel: cancel,
		logger: c.logger,
	}, nil
}

func (c Completion) endpoint(input string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid completion url %q: %w", c.baseURL, err)
	}
	u = u.JoinPath(completionPath)

	q := u.Query()
	q.Set(completionInputParam, input)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Events yields the data of every unnamed or "message" event, the same events a browser EventSource
// hands to its onmessage handler. Named events are skipped.
func (s *completionStream) Events() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for ev, err := range sse.Read(s.body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading event: %w", err))
				return
			}

			if ev.Type != "" && ev.Type != "message" {
				s.logger.Debug("Skipping named event", slog.String("type", ev.Type))
				continue
			}

			if !yield(ev.Data, nil) {
				return
			}
		}
	}
}

// Close cancels the request and releases the response body. Only the first call has an effect.
func (s *completionStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
