package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/OmChillure/babel/internal/chat"
	"github.com/OmChillure/babel/internal/models"
	"github.com/spf13/cobra"
)

var errCompletionFailed = errors.New("the completion request failed")

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Ask a single question and print the streamed answer",
	Long: `Send one message to the completion endpoint and print the answer while it streams.

Examples:
  babel ask "What is a server-sent event?"
  babel ask --url http://localhost:8080 hello`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Read messages line by line from standard input and print every answer while it streams.
Interrupting a streaming answer closes the conversation.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd.OutOrStdout())
	s, err := newSession(p)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Submit(strings.Join(args, " ")); err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}

	err = s.Wait(ctx)
	p.finish()
	if err != nil {
		return err
	}

	return lastError(s.Messages())
}

func runChat(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	p := newPrinter(out)
	s, err := newSession(p)
	if err != nil {
		return err
	}
	defer s.Close()

	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if err := s.Submit(scanner.Text()); err != nil {
			if !errors.Is(err, chat.ErrEmptyInput) {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			fmt.Fprint(out, "> ")
			continue
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		err := s.Wait(ctx)
		stop()
		p.finish()
		if err != nil {
			// Interrupted while streaming; the deferred Close tears the stream down.
			return nil
		}

		fmt.Fprint(out, "> ")
	}
	fmt.Fprintln(out)

	return scanner.Err()
}

func lastError(msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	if last.Sender == models.SenderAssistant && last.Text == models.FailureNotice {
		return errCompletionFailed
	}
	return nil
}
