package models

import "time"

// Message represents an individual entry in a conversation log. It contains the unique identifier, the
// participant that produced it, the text accumulated so far, and whether content is still being streamed
// into it.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Timestamp time.Time

	// Streaming is true while the message still receives content fragments. At most one message in a log
	// is streaming, and it is always the last one.
	Streaming bool
}

// Snapshot is a copy of a conversation's state, handed to observers after every mutation.
type Snapshot struct {
	Messages []Message
	Busy     bool
}

// Sender represents the participant that produced a message.
type Sender string

const (
	// SenderUser represents a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant represents a message produced by the completion service.
	SenderAssistant Sender = "assistant"
)

// FailureNotice is the text of the assistant message appended when a stream fails before any content
// was received.
const FailureNotice = "Sorry, there was an error processing your request."

// StreamingState returns the state name the templates use to decorate a message.
func (m Message) StreamingState() string {
	switch {
	case !m.Streaming:
		return StreamingStateEnded
	case m.Text == "":
		return StreamingStateLoading
	default:
		return StreamingStateStreaming
	}
}

// Clone returns a copy of the snapshot that shares no memory with the receiver.
func (s Snapshot) Clone() Snapshot {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return Snapshot{Messages: msgs, Busy: s.Busy}
}

const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)
