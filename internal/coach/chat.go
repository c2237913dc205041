package coach

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/suPer8Hu/growth-lab/internal/logger"
	"github.com/suPer8Hu/growth-lab/internal/render"
	"github.com/suPer8Hu/growth-lab/internal/stream"
)

const (
	userPrompt      = "you> "
	assistantPrompt = "coach> "
)

type chatCommander struct {
	endpoint string
	token    string
	mode     string
	width    int
	discard  bool
	context  map[string]string
	provider string
	model    string

	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	interrupts <-chan os.Signal

	logger *zap.Logger
}

const chatLongDesc string = `Start an interactive conversation with the coaching assistant.

Replies stream as they are generated. Failed turns print a short notice and
the next message can be typed right away.

Commands: /reset starts a new conversation, /exit quits.

Examples:
  coach chat --render markdown
  coach chat --context workbook="Referral plan" --context field="Top 5 referrers"`

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive coaching conversation",
		Long:  chatLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.endpoint = baseURL(cmd)
			cmder.token, _ = cmd.Flags().GetString("token")
			debug, _ := cmd.Flags().GetBool("debug")

			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()
			cmder.errOut = cmd.ErrOrStderr()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)
			cmder.interrupts = sig

			// session warnings would duplicate the one-line notice
			if debug {
				cmder.logger = logger.NewWithWriters(true, os.Stderr)
				defer func() { _ = cmder.logger.Sync() }()
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return cmder.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&cmder.mode, "render", "r", string(render.ModePlain), "reply rendering: plain, markdown or links")
	cmd.Flags().IntVar(&cmder.width, "width", 80, "wrap width for markdown rendering")
	cmd.Flags().BoolVar(&cmder.discard, "discard-partial", false, "drop partially streamed replies when a turn fails")
	cmd.Flags().StringToStringVar(&cmder.context, "context", nil, "context for the coach, key=value (repeatable)")
	cmd.Flags().StringVar(&cmder.provider, "provider", "", "AI provider (server default when empty)")
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "model name (provider default when empty)")

	return cmd
}

func (c *chatCommander) policy() stream.FailurePolicy {
	if c.discard {
		return stream.DiscardPlaceholder
	}
	return stream.KeepPartial
}

func (c *chatCommander) extra() map[string]any {
	extra := map[string]any{}
	if len(c.context) > 0 {
		extra["context"] = c.context
	}
	if c.provider != "" {
		extra["provider"] = c.provider
	}
	if c.model != "" {
		extra["model"] = c.model
	}
	return extra
}

func (c *chatCommander) run(ctx context.Context) error {
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.token == "" {
		return fmt.Errorf("no token: run \"coach login\" and set COACH_TOKEN, or pass --token")
	}
	renderer, err := render.New(c.mode, c.width, c.out)
	if err != nil {
		return err
	}

	transcript := stream.NewTranscript(c.policy())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprintf(c.out, "Connected to %s. /exit or Ctrl-D to quit.\n\n", c.endpoint)

	for {
		fmt.Fprint(c.out, userPrompt)

		var input string
		select {
		case <-ctx.Done():
			return nil
		case <-c.interrupts:
			fmt.Fprintln(c.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out)
				if err := <-scanErr; err != nil {
					return fmt.Errorf("reading input: %w", err)
				}
				return nil
			}
			input = strings.TrimSpace(line)
		}

		switch input {
		case "":
			continue
		case "/exit":
			return nil
		case "/reset":
			transcript = stream.NewTranscript(c.policy())
			fmt.Fprintln(c.out, "New conversation.")
			continue
		}

		c.turn(ctx, transcript, renderer, input)
		fmt.Fprintln(c.out)
	}
}

// turn streams one reply. An interrupt cancels only this turn.
func (c *chatCommander) turn(ctx context.Context, transcript *stream.Transcript, renderer render.Renderer, input string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.interrupts:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	sess := stream.New(stream.Config{
		Endpoint:  c.endpoint + "/chat/completions",
		AuthToken: c.token,
		Logger:    c.logger,
	})

	live := render.NewLive(c.out, renderer, assistantPrompt, terminalCols(c.out))

	reply, err := transcript.Submit(turnCtx, sess, input, c.extra(), func(m stream.ChatMessage) {
		live.Update(m.Content)
	})
	if rerr := live.Finish(reply, err == nil); rerr != nil {
		c.logger.Debug("render reply", zap.Error(rerr))
	}
	if err != nil {
		c.logger.Debug("turn failed", zap.String("state", sess.State().String()), zap.Error(err))
		fmt.Fprintf(c.errOut, "  ! %s\n", stream.UserMessage(err))
	}
}

// terminalCols is the width of w when it is a terminal, otherwise 0.
func terminalCols(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return cols
}
