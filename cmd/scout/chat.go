package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
	"github.com/MegaGrindStone/scout-web-ui/internal/models"
	"github.com/spf13/cobra"
)

// replyPrinter writes the replies of a conversation to a terminal as they stream in. Content only
// grows while a reply streams, so each update prints what was not printed yet.
type replyPrinter struct {
	out     io.Writer
	printed map[string]int
	charted map[string]bool
}

func newReplyPrinter(out io.Writer) *replyPrinter {
	return &replyPrinter{
		out:     out,
		printed: map[string]int{},
		charted: map[string]bool{},
	}
}

func (p *replyPrinter) observe(u chat.Update) {
	m := u.Message

	switch m.Kind {
	case models.KindUser:
		return
	case models.KindError:
		fmt.Fprintf(p.out, "\nError: %s\n", m.Content)
	default:
		if n := p.printed[m.ID]; len(m.Content) > n {
			fmt.Fprint(p.out, m.Content[n:])
			p.printed[m.ID] = len(m.Content)
		}
		if m.Chart != nil && !p.charted[m.ID] {
			p.charted[m.ID] = true
			fmt.Fprint(p.out, "\n[chart attached, open the web interface to view it]\n")
		}
		if u.Done {
			fmt.Fprintln(p.out)
		}
	}

	if u.Done {
		delete(p.printed, m.ID)
		delete(p.charted, m.ID)
	}
}

func (a *app) chatCmd() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent",
		Long: `Chat with the agent. With a message argument, the message is sent once and the command exits
after the reply. Without one, messages are read line by line until end of input or /quit.

Interrupt a streaming reply with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printer := newReplyPrinter(out)

			opts := []chat.Option{
				chat.WithLogger(a.logger),
				chat.WithObserver(printer.observe),
			}
			if threadID != "" {
				opts = append(opts, chat.WithThreadID(threadID))
			}
			conv := chat.New(a.scout, opts...)

			if len(args) > 0 {
				if err := ask(cmd.Context(), conv, strings.Join(args, " ")); err != nil {
					return err
				}
				if s := conv.Snapshot(); s.ThreadID != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", s.ThreadID)
				}
				return nil
			}

			return repl(cmd.Context(), conv, cmd.InOrStdin(), out)
		},
	}

	cmd.Flags().StringVar(&threadID, "thread", "", "continue the conversation with this thread id")

	return cmd
}

func repl(ctx context.Context, conv *chat.Conversation, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/quit", "/exit":
			return nil
		}

		// A failed reply is already printed; the session goes on.
		if err := ask(ctx, conv, text); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// errReported marks errors that were already shown to the user.
var errReported = errors.New("reply failed")

// ask sends text and waits for the reply to finish. An interrupt cancels the reply, not the program.
func ask(ctx context.Context, conv *chat.Conversation, text string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	turn, err := conv.Submit(turnCtx, text)
	if err != nil {
		return err
	}
	<-turn.Done()

	switch turn.Outcome() {
	case chat.OutcomeErrored:
		return fmt.Errorf("%w: %s", errReported, conv.Snapshot().LastError)
	case chat.OutcomeCancelled:
		return context.Canceled
	default:
		return nil
	}
}

func (a *app) chartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chart NAME",
		Short: "Print a chart stored by the agent as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chart, err := a.scout.Chart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(chart)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history THREAD_ID",
		Short: "Print the transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := a.scout.Conversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range conv.Messages {
				who := "scout"
				switch m.Kind {
				case models.KindUser:
					who = "you"
				case models.KindError:
					who = "error"
				}
				fmt.Fprintf(out, "%s: %s\n", who, m.Content)
			}
			return nil
		},
	}
}
