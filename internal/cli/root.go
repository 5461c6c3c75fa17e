// Package cli implements the babel terminal client. Every command drives a chat.Session against the
// completion endpoint and prints assistant text as it streams in.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/OmChillure/babel/internal/chat"
	"github.com/OmChillure/babel/internal/services"
	"github.com/spf13/cobra"
)

var (
	completionURL    string
	logLevel         string
	maxMessageLength int
)

var rootCmd = &cobra.Command{
	Use:   "babel",
	Short: "Stream chat completions into the terminal",
	Long: `Babel talks to a completion endpoint that answers GET /completion?input=...
with a server-sent event stream, and prints the answer while it streams.`,
	SilenceUsage: true,
}

func init() {
	defaultURL := os.Getenv("BABEL_API_URL")
	if defaultURL == "" {
		defaultURL = services.DefaultCompletionURL
	}

	rootCmd.PersistentFlags().StringVar(&completionURL, "url", defaultURL, "Base URL of the completion endpoint")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().IntVar(&maxMessageLength, "max-length", chat.DefaultMaxInputLength,
		"Maximum number of characters per message")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func newSession(p *printer) (*chat.Session, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	completion := services.NewCompletion(completionURL, nil, logger)
	return chat.NewSession(completion,
		chat.WithLogger(logger),
		chat.WithMaxInputLength(maxMessageLength),
		chat.WithObserver(p.update),
	), nil
}
