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
	"syscall"
	"time"

	"github.com/vinayprograms/specpilot/internal/engine"
	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

// chatEngine is what the REPL needs from the engine.
type chatEngine interface {
	Submit(ctx context.Context, text string) (engine.ExecutionState, error)
	GetState() engine.ExecutionState
	CancelCurrentExecution(ctx context.Context) engine.ExecutionState
	AwaitHalt(ctx context.Context) supervision.Halt
	SwitchProject(ctx context.Context, name string, archive bool) (*session.Session, error)
}

// Run starts the interactive session.
func (c *ChatCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	rt := newRuntime(cfg, globalCreds)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.setup(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		rt.close(closeCtx)
	}()

	if c.Project != "" {
		sess, err := rt.engine.SwitchProject(ctx, c.Project, true)
		if err != nil {
			return err
		}
		fmt.Println(dimStyle.Render("Project: " + sess.Name + " (" + sess.BaseDir + ")"))
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	r := &repl{
		eng:        rt.engine,
		in:         os.Stdin,
		out:        os.Stdout,
		width:      c.Width,
		sync:       !isTerminal(os.Stdin),
		interrupts: interrupts,
	}
	return r.run(ctx)
}

type turnResult struct {
	state engine.ExecutionState
	err   error
}

// repl reads lines and routes them to the engine. In interactive mode a
// task runs in the background so /cancel and Ctrl-C stay responsive; with
// piped input each line is handled to completion before the next is read.
type repl struct {
	eng        chatEngine
	in         io.Reader
	out        io.Writer
	width      int
	sync       bool
	interrupts <-chan os.Signal
}

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	results := make(chan turnResult, 1)
	busy := false

	r.greet()
	r.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-r.interrupts:
			if !busy {
				return nil
			}
			r.cancel(ctx, false)

		case res := <-results:
			busy = false
			r.show(res)
			r.prompt()

		case line, ok := <-lines:
			if !ok {
				if busy {
					r.show(<-results)
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				r.prompt()
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := r.command(ctx, line, busy); quit {
					if busy {
						r.cancel(ctx, true)
					}
					return nil
				}
				if !busy {
					r.prompt()
				}
				continue
			}
			if busy {
				fmt.Fprintln(r.out, dimStyle.Render("Still working. Type /cancel to stop."))
				continue
			}

			if r.sync {
				st, err := r.eng.Submit(ctx, line)
				r.show(turnResult{st, err})
				r.prompt()
				continue
			}
			busy = true
			go func(text string) {
				st, err := r.eng.Submit(ctx, text)
				results <- turnResult{st, err}
			}(line)
		}
	}
}

// command handles a slash command and reports whether to quit.
func (r *repl) command(ctx context.Context, line string, busy bool) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/cancel":
		r.cancel(ctx, len(fields) > 1 && fields[1] == "wait")

	case "/new":
		if busy {
			fmt.Fprintln(r.out, dimStyle.Render("Cancel the running task first."))
			return false
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "/new"))
		sess, err := r.eng.SwitchProject(ctx, name, true)
		if err != nil {
			fmt.Fprintln(r.out, errorStyle.Render(err.Error()))
			return false
		}
		fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("New project %q in %s", sess.Name, sess.BaseDir)))

	case "/state":
		fmt.Fprintln(r.out, renderStatus(r.eng.GetState()))

	case "/help":
		fmt.Fprintln(r.out, dimStyle.Render("/cancel [wait]  stop the running task or drop the pending question"))
		fmt.Fprintln(r.out, dimStyle.Render("/new [name]     archive this project and start a new one"))
		fmt.Fprintln(r.out, dimStyle.Render("/state          show the engine state"))
		fmt.Fprintln(r.out, dimStyle.Render("/quit           leave"))

	default:
		fmt.Fprintln(r.out, dimStyle.Render("Unknown command "+fields[0]+". Type /help."))
	}
	return false
}

func (r *repl) cancel(ctx context.Context, wait bool) {
	st := r.eng.CancelCurrentExecution(ctx)
	if !wait {
		if st.Stage == engine.StageIdle {
			fmt.Fprintln(r.out, dimStyle.Render("Cancelled."))
		} else {
			fmt.Fprintln(r.out, dimStyle.Render("Cancellation requested."))
		}
		return
	}
	halt := r.eng.AwaitHalt(ctx)
	fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("Cancellation %s after %s.",
		strings.ToLower(string(halt.Verdict)), halt.Waited.Round(time.Millisecond))))
}

func (r *repl) show(res turnResult) {
	if res.err != nil {
		switch {
		case errors.Is(res.err, faults.ErrTaskInFlight):
			fmt.Fprintln(r.out, dimStyle.Render("A task is already running."))
		default:
			fmt.Fprintln(r.out, errorStyle.Render(res.err.Error()))
		}
		return
	}
	fmt.Fprintln(r.out, renderState(res.state, r.width))
}

func (r *repl) greet() {
	st := r.eng.GetState()
	if st.Stage == engine.StageAwaitingUser {
		fmt.Fprintln(r.out, dimStyle.Render("Resuming where you left off:"))
		fmt.Fprintln(r.out, renderState(st, r.width))
		return
	}
	fmt.Fprintln(r.out, dimStyle.Render("Describe what to write. /help lists commands."))
}

func (r *repl) prompt() {
	if r.sync {
		return
	}
	label := "> "
	if r.eng.GetState().Stage == engine.StageAwaitingUser {
		label = "answer> "
	}
	fmt.Fprint(r.out, promptStyle.Render(label))
}

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
