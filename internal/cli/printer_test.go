package cli

import (
	"strings"
	"testing"

	"github.com/OmChillure/babel/internal/models"
)

func TestPrinter(t *testing.T) {
	user := models.Message{ID: "1", Sender: models.SenderUser, Text: "hello"}
	assistant := func(text string, streaming bool) models.Message {
		return models.Message{ID: "2", Sender: models.SenderAssistant, Text: text, Streaming: streaming}
	}
	notice := models.Message{ID: "3", Sender: models.SenderAssistant, Text: models.FailureNotice}

	tests := []struct {
		name  string
		snaps []models.Snapshot
		want  string
	}{
		{
			name: "Streams deltas",
			snaps: []models.Snapshot{
				{Messages: []models.Message{user, assistant("", true)}, Busy: true},
				{Messages: []models.Message{user, assistant("Hi", true)}, Busy: true},
				{Messages: []models.Message{user, assistant("Hi there", true)}, Busy: true},
				{Messages: []models.Message{user, assistant("Hi there", false)}},
			},
			want: "Hi there\n",
		},
		{
			name: "Failure notice after empty placeholder",
			snaps: []models.Snapshot{
				{Messages: []models.Message{user, assistant("", true)}, Busy: true},
				{Messages: []models.Message{user, assistant("", false), notice}},
			},
			want: models.FailureNotice + "\n",
		},
		{
			name: "Second exchange starts a new line",
			snaps: []models.Snapshot{
				{Messages: []models.Message{user, assistant("Hi", false)}},
				{Messages: []models.Message{user, assistant("Hi", false), user, {ID: "4", Sender: models.SenderAssistant, Text: "Again", Streaming: true}}, Busy: true},
			},
			want: "Hi\nAgain\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sb strings.Builder
			p := newPrinter(&sb)
			for _, snap := range tt.snaps {
				p.update(snap)
			}
			p.finish()

			if sb.String() != tt.want {
				t.Errorf("printed %q, want %q", sb.String(), tt.want)
			}
		})
	}
}
