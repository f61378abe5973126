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
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/autopilot/agentloop"
)

var (
	runMaxTurns     int
	runTimeout      time.Duration
	runAutoApprove  bool
	runToolNames    []string
	runSystemPrompt string
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Run one session and print its events",
	Long: `Run a single session in-process and print its transcript.

Tool calls that need confirmation are prompted for on stdin unless
--auto-approve is set. Ctrl-C cancels the session; the final state is
printed either way.`,
	Example: `  autopilot run "summarize README.md"
  autopilot run --auto-approve --tools read_file,glob "find the TODOs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "Maximum turns (0 uses session.max_turns)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Session timeout (0 uses session.timeout)")
	runCmd.Flags().BoolVarP(&runAutoApprove, "auto-approve", "y", false, "Execute tool calls without asking for confirmation")
	runCmd.Flags().StringSliceVar(&runToolNames, "tools", nil, "Restrict the session to these tools")
	runCmd.Flags().StringVar(&runSystemPrompt, "system-prompt", "", "Override the system prompt")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxTurns < 0 {
		return fmt.Errorf("--max-turns must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	id, err := a.manager.Start(ctx, strings.Join(args, " "), agentloop.SessionOptions{
		Tools:        runToolNames,
		MaxTurns:     runMaxTurns,
		Timeout:      runTimeout,
		AutoExecute:  runAutoApprove,
		Context:      a.sessionContext(),
		SystemPrompt: runSystemPrompt,
	})
	if err != nil {
		return err
	}

	return followSession(ctx, a.manager, id, newRenderer(cmd.OutOrStdout()), newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()))
}

// sessionControl is the part of Manager that followSession drives.
type sessionControl interface {
	Attach(id string, sink agentloop.Sink) error
	Cancel(id string) error
	Confirm(id, requestID string, approved bool) (*agentloop.ToolCallResponse, error)
}

// followSession renders a session's events until Finished, answering
// confirmation requests with confirm. Cancelling ctx cancels the session
// and keeps rendering until it has wound down.
func followSession(ctx context.Context, mgr sessionControl, id string, r *renderer, confirm func(*agentloop.ToolCallRequest) bool) error {
	q := newEventQueue()
	if err := mgr.Attach(id, q); err != nil {
		return err
	}

	interrupt := ctx.Done()
	for {
		select {
		case <-interrupt:
			interrupt = nil
			if err := mgr.Cancel(id); err != nil && !errors.Is(err, agentloop.ErrSessionNotFound) {
				return err
			}
		case <-q.notify:
			for _, ev := range q.drain() {
				r.Render(ev)
				switch ev.Kind {
				case agentloop.EventConfirmationRequired:
					if ev.Request == nil {
						continue
					}
					approved := confirm(ev.Request)
					if _, err := mgr.Confirm(id, ev.Request.ID, approved); err != nil &&
						!errors.Is(err, agentloop.ErrNoPendingConfirmation) {
						return err
					}
				case agentloop.EventFinished:
					return finishedError(ev)
				}
			}
		}
	}
}

// finishedError turns a terminal state into the command's exit status.
func finishedError(ev agentloop.Event) error {
	switch ev.State {
	case agentloop.StateFatalError:
		if ev.Detail != "" {
			return fmt.Errorf("session failed: %s", ev.Detail)
		}
		return errors.New("session failed")
	case agentloop.StateCancelled:
		return errors.New("session cancelled")
	}
	return nil
}

// newPrompter asks on out and reads y/n answers from in. Anything but an
// explicit yes denies, including end of input.
func newPrompter(in io.Reader, out io.Writer) func(*agentloop.ToolCallRequest) bool {
	reader := bufio.NewReader(in)
	return func(req *agentloop.ToolCallRequest) bool {
		fmt.Fprint(out, warnStyle.Render(fmt.Sprintf("Allow %s? [y/N] ", req.Name)))
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			fmt.Fprintln(out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// eventQueue is an unbounded Sink. Deliver never blocks, so the session
// keeps running while the terminal waits on a confirmation prompt.
type eventQueue struct {
	mu     sync.Mutex
	events []agentloop.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) Deliver(ev agentloop.Event) error {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *eventQueue) drain() []agentloop.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
