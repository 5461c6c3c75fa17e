package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/OmChillure/babel/internal/models"
)

// printer writes assistant text to w as snapshots arrive. Only the part of a message that has not been
// written yet is printed, so a streaming message appears token by token. User messages are not echoed.
type printer struct {
	w io.Writer

	mu      sync.Mutex
	idx     int
	written int
	open    bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, idx: -1}
}

func (p *printer) update(snap models.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := max(p.idx, 0); i < len(snap.Messages); i++ {
		msg := snap.Messages[i]

		if i != p.idx {
			p.endLine()
			p.idx = i
			p.written = 0
			if msg.Sender == models.SenderUser {
				p.written = len(msg.Text)
				continue
			}
		}

		if msg.Sender != models.SenderAssistant || len(msg.Text) <= p.written {
			continue
		}
		fmt.Fprint(p.w, msg.Text[p.written:])
		p.written = len(msg.Text)
		p.open = true
	}
}

// finish terminates the line of the last printed message.
func (p *printer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
}

func (p *printer) endLine() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}
