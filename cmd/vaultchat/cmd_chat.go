package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vaultchat/internal/apiclient"
	"vaultchat/internal/chat"
)

var (
	chatThread    string
	chatProvider  string
	chatModel     string
	chatPrivilege bool
	chatNoStream  bool

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Commands inside the session:
  /stop      stop the answer being generated (or press Ctrl-C)
  /confirm   run the pending action
  /deny      cancel the pending action
  /thread    print the thread id
  /quit      leave`,
		Args: cobra.NoArgs,
		RunE: runChatCommand,
	}
)

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "resume or create the thread with this id")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "LLM provider to request (aegis, openrouter, ...)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model to request from the provider")
	chatCmd.Flags().BoolVar(&chatPrivilege, "privilege", false, "enable privilege mode for queries")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "request a single JSON answer instead of a stream")
}

func runChatCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client := newClient()
	out := cmd.OutOrStdout()
	r := newRenderer(out, nil)

	var live atomic.Bool
	sess := chat.NewSession(chat.Config{
		Backend:     client,
		SideEffects: client,
		Persister:   client,
		ThreadID:    chatThread,
		Stream:      !chatNoStream,
		ConfirmTTL:  clientCfg.ConfirmTTL,
		OnChange: func(st chat.State) {
			if live.Load() {
				r.render(st)
			}
		},
		Logger: log.Logger,
	})
	defer sess.Close()

	if chatThread != "" {
		t, err := client.GetThread(ctx, chatThread)
		switch {
		case err == nil:
			if err := sess.Restore(t); err != nil {
				return err
			}
			printTranscript(out, sess.State().Messages)
		case errors.Is(err, apiclient.ErrNotFound):
			fmt.Fprintf(out, "Starting new thread %s\n", chatThread)
		default:
			return fmt.Errorf("load thread: %w", err)
		}
	}
	r.reset(sess.State())
	live.Store(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	p := &repl{
		sess: sess,
		out:  out,
		opts: chat.Options{LLMProvider: chatProvider, LLMModel: chatModel, PrivilegeMode: chatPrivilege},
	}
	return p.run(ctx, cmd.InOrStdin(), sig)
}

type repl struct {
	sess *chat.Session
	out  io.Writer
	opts chat.Options
}

// run reads lines until EOF or /quit. While a turn is in flight only /stop
// and interrupts are handled; other input is queued until the turn ends.
func (p *repl) run(ctx context.Context, in io.Reader, sig <-chan os.Signal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		done   = make(chan error, 1)
		busy   bool
		queued []string
		eof    bool
	)
	submit := func(text string) {
		busy = true
		go func() { done <- p.sess.Submit(ctx, text, p.opts) }()
	}
	// drain handles queued lines until one starts a turn.
	drain := func() bool {
		for len(queued) > 0 && !busy {
			line := queued[0]
			queued = queued[1:]
			if quit := p.handle(ctx, line, submit); quit {
				return true
			}
		}
		return false
	}

	p.prompt()
	for {
		select {
		case <-ctx.Done():
			p.sess.Stop()
			return nil
		case <-sig:
			if p.sess.Stop() {
				continue
			}
			return nil
		case err := <-done:
			busy = false
			if err != nil {
				fmt.Fprintln(p.out, "error: "+err.Error())
			}
			if drain() {
				return nil
			}
			if eof && !busy {
				return nil
			}
			if !busy {
				p.prompt()
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				eof = true
				if !busy {
					return nil
				}
				continue
			}
			if busy {
				if strings.TrimSpace(line) == "/stop" {
					p.sess.Stop()
					continue
				}
				queued = append(queued, line)
				continue
			}
			if p.handle(ctx, line, submit) {
				return nil
			}
			if !busy {
				p.prompt()
			}
		}
	}
}

// handle processes one line while idle. It reports whether the session
// should end.
func (p *repl) handle(ctx context.Context, line string, submit func(string)) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
	case "/quit", "/exit":
		return true
	case "/stop":
		fmt.Fprintln(p.out, "Nothing to stop.")
	case "/thread":
		fmt.Fprintln(p.out, p.sess.ThreadID())
	case "/confirm", "/deny":
		req := p.sess.State().Confirmation
		if req == nil {
			fmt.Fprintln(p.out, "Nothing is awaiting confirmation.")
			return false
		}
		var err error
		if line == "/confirm" {
			err = p.sess.Confirm(ctx, req.ToolCallID)
		} else {
			err = p.sess.Deny(req.ToolCallID)
		}
		if err != nil && !errors.Is(err, chat.ErrConfirmationExpired) {
			log.Debug().Err(err).Str("tool_call_id", req.ToolCallID).Msg("confirmation not applied")
		}
	case "/help":
		fmt.Fprintln(p.out, "/stop /confirm /deny /thread /quit")
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(p.out, "Unknown command %s. Type /help.\n", line)
			return false
		}
		submit(line)
	}
	return false
}

func (p *repl) prompt() {
	fmt.Fprint(p.out, "> ")
}

func printTranscript(out io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		switch {
		case m.Role == chat.RoleUser:
			fmt.Fprintln(out, "> "+m.Content)
		case m.IsError:
			fmt.Fprintln(out, "error: "+m.Content)
		default:
			fmt.Fprintln(out, m.Content)
		}
	}
}
