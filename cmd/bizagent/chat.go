package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"bizagent/pkg/client"
)

var (
	chatURL          string
	chatConversation string
)

var chatCmd = &cobra.Command{
	Use:   "chat <link-token>",
	Short: "Talk to an agent through an access link",
	Long: `Open a socket session with a running gateway and chat with the agent.

Commands inside the chat:
  /interrupt   stop the current answer
  /quit        end the session and exit

Examples:
  bizagent chat 3q2+7w...
  bizagent chat --url ws://agent.example.com/ws/agent --resume <conversation-id> <token>`,
	Args: cobra.ExactArgs(1),
	Run:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "ws://127.0.0.1:18790/ws/agent", "socket endpoint of the gateway")
	chatCmd.Flags().StringVar(&chatConversation, "resume", "", "resume an active conversation")
	rootCmd.AddCommand(chatCmd)
}

// chatPrinter renders server events on the terminal.
type chatPrinter struct {
	client.NopHandler
	out   io.Writer
	turns chan struct{}
	ended chan struct{}
}

func (p *chatPrinter) OnMessage(m client.Message) {
	if m.IsComplete {
		fmt.Fprintln(p.out)
		p.turnDone()
		return
	}
	fmt.Fprint(p.out, m.Chunk)
}

func (p *chatPrinter) OnFeedback(f client.Feedback) {
	if f.Message != "" {
		fmt.Fprintf(p.out, "\n  ... %s\n", f.Message)
	}
}

func (p *chatPrinter) OnFallback(f client.Fallback) {
	fmt.Fprintln(p.out, f.Message)
}

func (p *chatPrinter) OnAgentError(e client.AgentError) {
	fmt.Fprintf(p.out, "\n[error] %s\n", e.Error)
	p.turnDone()
}

func (p *chatPrinter) OnInterrupted(client.Interrupted) {
	fmt.Fprintln(p.out, "\n[interrupted]")
	p.turnDone()
}

func (p *chatPrinter) OnSessionEnded(e client.SessionEnded) {
	if e.Message != "" {
		fmt.Fprintf(p.out, "\n%s\n", e.Message)
	}
	fmt.Fprintln(p.out, "[session ended]")
	p.turnDone()
	close(p.ended)
}

func (p *chatPrinter) turnDone() {
	select {
	case p.turns <- struct{}{}:
	default:
	}
}

func runChat(cmd *cobra.Command, args []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".bizagent_chat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		fail("readline: %v", err)
	}
	defer rl.Close()

	printer := &chatPrinter{
		out:   rl.Stdout(),
		turns: make(chan struct{}, 1),
		ended: make(chan struct{}),
	}
	c := client.New(client.Options{URL: chatURL, Handler: printer})
	if err := c.Connect(ctx); err != nil {
		fail("connecting to %s: %v", chatURL, err)
	}
	defer c.Disconnect()

	var started *client.SessionStarted
	if chatConversation != "" {
		started, err = c.ResumeSession(ctx, args[0], chatConversation)
	} else {
		started, err = c.StartSession(ctx, args[0])
	}
	if err != nil {
		fail("starting session: %v", err)
	}
	fmt.Fprintf(printer.out, "Conversation %s\n", started.Session.ConversationID)
	if started.WelcomeMessage != "" {
		fmt.Fprintf(printer.out, "agent> %s\n", started.WelcomeMessage)
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(printer.out, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "/quit", "exit", "quit":
			endChat(ctx, c)
			return
		case "/interrupt":
			if err := c.Interrupt(); err != nil {
				fmt.Fprintf(printer.out, "Error: %v\n", err)
			}
			continue
		}

		if err := c.Send(ctx, input); err != nil {
			fmt.Fprintf(printer.out, "Error: %v\n", err)
			if errors.Is(err, client.ErrNotConnected) {
				return
			}
			continue
		}
		fmt.Fprint(printer.out, "agent> ")

		select {
		case <-printer.turns:
		case <-printer.ended:
			return
		case <-ctx.Done():
			endChat(context.Background(), c)
			return
		}
	}
	endChat(ctx, c)
}

func endChat(ctx context.Context, c *client.Client) {
	if c.Session() == nil || c.State() == client.StateError {
		return
	}
	if err := c.EndSession(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error ending session: %v\n", err)
	}
}
