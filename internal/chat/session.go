package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/OmChillure/babel/internal/models"
	"github.com/google/uuid"
)

// Session manages the message log of one conversation and drives at most one streaming request at a
// time. A session is Idle until Submit succeeds, Streaming until the stream ends with the done sentinel,
// fails, or the session is closed, and Idle again afterwards.
//
// All state transitions are serialized, and observers receive a snapshot after every mutation in the
// order the mutations happened. Observers run while the session holds its notification lock, so they may
// read from the session but must not call Submit or Close synchronously.
type Session struct {
	streamer       Streamer
	logger         *slog.Logger
	observer       func(models.Snapshot)
	maxInputLength int
	newID          func() string

	notifyMu sync.Mutex

	mu       sync.Mutex
	messages []models.Message
	active   *attempt
	closed   bool
	// released holds the done channels of attempts finished by the running mutation.
	released []chan struct{}
}

// Option configures a Session.
type Option func(*Session)

type attempt struct {
	cancel   context.CancelFunc
	stream   Stream
	received bool
	done     chan struct{}
}

type payload struct {
	Content string `json:"content"`
}

const (
	// DoneSentinel is the payload that marks the end of a stream.
	DoneSentinel = "[DONE]"
	// DefaultMaxInputLength is the maximum number of characters Submit accepts.
	DefaultMaxInputLength = 1000

	errLoggerKey = "error"
)

var (
	// ErrEmptyInput is returned by Submit when the input is blank.
	ErrEmptyInput = errors.New("input is empty")
	// ErrInputTooLong is returned by Submit when the input exceeds the maximum length.
	ErrInputTooLong = errors.New("input is too long")
	// ErrBusy is returned by Submit while a response is still streaming.
	ErrBusy = errors.New("a response is still streaming")
	// ErrSessionClosed is returned by Submit after the session has been closed.
	ErrSessionClosed = errors.New("session is closed")

	errStreamEnded = errors.New("stream ended before the done sentinel")
)

// WithLogger sets the logger of the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithObserver registers a function that receives a snapshot of the session after every mutation.
func WithObserver(observer func(models.Snapshot)) Option {
	return func(s *Session) {
		s.observer = observer
	}
}

// WithMaxInputLength overrides DefaultMaxInputLength. Non-positive values are ignored.
func WithMaxInputLength(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxInputLength = n
		}
	}
}

// WithIDGenerator overrides the function used to generate message IDs.
func WithIDGenerator(newID func() string) Option {
	return func(s *Session) {
		s.newID = newID
	}
}

// NewSession creates an idle session that opens its streams with the given streamer.
func NewSession(streamer Streamer, opts ...Option) *Session {
	s := &Session{
		streamer:       streamer,
		logger:         slog.Default(),
		maxInputLength: DefaultMaxInputLength,
		newID:          func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("module", "chat"))
	return s
}

// Submit appends the user's text and an empty streaming assistant message to the log, then opens a
// stream for the text in the background. It returns immediately; progress is observed through the
// observer or the read accessors.
//
// Blank input, input longer than the maximum length, a busy session and a closed session are rejected
// with ErrEmptyInput, ErrInputTooLong, ErrBusy and ErrSessionClosed respectively, leaving the session
// untouched.
func (s *Session) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if utf8.RuneCountInString(text) > s.maxInputLength {
		return ErrInputTooLong
	}

	var (
		a   *attempt
		ctx context.Context
		err error
	)
	s.mutate(func() bool {
		if s.closed {
			err = ErrSessionClosed
			return false
		}
		if s.active != nil {
			err = ErrBusy
			return false
		}

		now := time.Now()
		s.messages = append(s.messages,
			models.Message{
				ID:        s.newID(),
				Sender:    models.SenderUser,
				Text:      text,
				Timestamp: now,
			},
			models.Message{
				ID:        s.newID(),
				Sender:    models.SenderAssistant,
				Timestamp: now,
				Streaming: true,
			},
		)

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		a = &attempt{cancel: cancel, done: make(chan struct{})}
		s.active = a
		return true
	})
	if err != nil {
		return err
	}

	go s.run(ctx, a, text)
	return nil
}

// Close tears the session down. Any active stream is cancelled and closed, the streaming message stops
// streaming, and later submissions are rejected. Calling Close more than once is a no-op.
func (s *Session) Close() error {
	s.mutate(func() bool {
		if s.closed {
			return false
		}
		s.closed = true
		if s.active == nil {
			return false
		}
		s.logger.Debug("Closing active stream on teardown")
		s.endStreamingLocked()
		s.finishLocked(s.active)
		return true
	})
	return nil
}

// Wait blocks until the session is idle or ctx is done. When it returns nil, the observer has already
// received the snapshot that ended the stream.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()

	if a == nil {
		return nil
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns a copy of the message log in chronological order.
func (s *Session) Messages() []models.Message {
	return s.Snapshot().Messages
}

// Busy reports whether a response is streaming.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Snapshot returns a copy of the message log together with the busy flag.
func (s *Session) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) run(ctx context.Context, a *attempt, input string) {
	stream, err := s.streamer.Open(ctx, input)
	if err != nil {
		s.fail(a, fmt.Errorf("failed to open stream: %w", err))
		return
	}

	s.mu.Lock()
	if s.active != a {
		// Torn down while the connection was being opened.
		s.mu.Unlock()
		s.closeStream(stream)
		return
	}
	a.stream = stream
	s.mu.Unlock()

	for data, err := range stream.Events() {
		if err != nil {
			s.fail(a, fmt.Errorf("failed to read stream: %w", err))
			return
		}
		if s.handle(a, data) {
			return
		}
	}
	s.fail(a, errStreamEnded)
}

// handle applies one event payload and reports whether the attempt is over.
func (s *Session) handle(a *attempt, data string) bool {
	if data == DoneSentinel {
		s.mutate(func() bool {
			if s.active != a {
				return false
			}
			s.endStreamingLocked()
			s.finishLocked(a)
			return true
		})
		return true
	}

	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		s.logger.Warn("Failed to parse stream payload",
			slog.String("data", data),
			slog.String(errLoggerKey, err.Error()))
		return false
	}
	if p.Content == "" {
		return false
	}

	stale := false
	s.mutate(func() bool {
		if s.active != a {
			stale = true
			return false
		}
		a.received = true
		last := &s.messages[len(s.messages)-1]
		last.Text += p.Content
		last.Streaming = true
		return true
	})
	return stale
}

func (s *Session) fail(a *attempt, err error) {
	s.mutate(func() bool {
		if s.active != a {
			return false
		}
		s.logger.Error("Stream failed",
			slog.Bool("received", a.received),
			slog.String(errLoggerKey, err.Error()))

		s.endStreamingLocked()
		if !a.received {
			s.messages = append(s.messages, models.Message{
				ID:        s.newID(),
				Sender:    models.SenderAssistant,
				Text:      models.FailureNotice,
				Timestamp: time.Now(),
			})
		}
		s.finishLocked(a)
		return true
	})
}

// mutate runs fn under the session lock and, when fn reports a change, hands the resulting snapshot to
// the observer before any later mutation can start.
func (s *Session) mutate(fn func() bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := fn()
	snap := s.snapshotLocked()
	released := s.released
	s.released = nil
	s.mu.Unlock()

	if changed && s.observer != nil {
		s.observer(snap)
	}
	for _, done := range released {
		close(done)
	}
}

func (s *Session) endStreamingLocked() {
	if len(s.messages) == 0 {
		return
	}
	s.messages[len(s.messages)-1].Streaming = false
}

// finishLocked releases the attempt's connection and returns the session to idle.
func (s *Session) finishLocked(a *attempt) {
	a.cancel()
	if a.stream != nil {
		s.closeStream(a.stream)
	}
	s.active = nil
	s.released = append(s.released, a.done)
}

func (s *Session) closeStream(stream Stream) {
	if err := stream.Close(); err != nil {
		s.logger.Debug("Failed to close stream", slog.String(errLoggerKey, err.Error()))
	}
}

func (s *Session) snapshotLocked() models.Snapshot {
	return models.Snapshot{
		Messages: s.messages,
		Busy:     s.active != nil,
	}.Clone()
}
