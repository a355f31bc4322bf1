// Package cleanup implements the LIFO rollback stack that unwinds cloud
// resources when a run fails or is torn down. Actions are small command
// values so tests can assert on the recorded descriptions without running
// side effects.
package cleanup

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/izavyalov-dev/cloudblast/internal/observability"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

// Command is one idempotent teardown action.
type Command interface {
	Description() string
	Run(ctx context.Context) error
}

type funcCommand struct {
	desc string
	fn   func(ctx context.Context) error
}

func (c funcCommand) Description() string { return c.desc }

func (c funcCommand) Run(ctx context.Context) error { return c.fn(ctx) }

// Func wraps a closure as a Command.
func Func(desc string, fn func(ctx context.Context) error) Command {
	return funcCommand{desc: desc, fn: fn}
}

// Stack is a single-run-scoped list of teardown commands. Push order is
// forward-progress order; RunAll unwinds in reverse.
type Stack struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	commands []Command
}

// NewStack builds an empty stack. Logger and metrics may be nil.
func NewStack(logger *slog.Logger, metrics *observability.Metrics) *Stack {
	if logger == nil {
		logger = observability.NewLogger("cleanup")
	}
	return &Stack{logger: logger, metrics: metrics}
}

// Push appends a command to the top of the stack.
func (s *Stack) Push(cmd Command) {
	s.commands = append(s.commands, cmd)
}

// Len reports the number of pending commands.
func (s *Stack) Len() int {
	return len(s.commands)
}

// Descriptions lists pending commands from bottom to top.
func (s *Stack) Descriptions() []string {
	descs := make([]string, 0, len(s.commands))
	for _, cmd := range s.commands {
		descs = append(descs, cmd.Description())
	}
	return descs
}

// Clear drops all pending commands without running them.
func (s *Stack) Clear() {
	s.commands = nil
}

// RunAll drains the stack top to bottom. Every command runs exactly once;
// failures are collected rather than stopping the drain. Cancellation is
// noted and the drain continues on a detached context, with the
// interruption surfaced only once the stack is empty.
func (s *Stack) RunAll(ctx context.Context) error {
	var errs *multierror.Error
	interrupted := false
	runCtx := ctx
	for len(s.commands) > 0 {
		if !interrupted && ctx.Err() != nil {
			interrupted = true
			runCtx = context.WithoutCancel(ctx)
			s.logger.Warn("interrupted during cleanup, finishing remaining actions",
				"remaining", len(s.commands))
		}
		top := len(s.commands) - 1
		cmd := s.commands[top]
		s.commands = s.commands[:top]

		s.logger.Info("running cleanup action", "action", cmd.Description())
		if err := cmd.Run(runCtx); err != nil {
			s.metrics.IncCleanup("failure")
			s.logger.Error("cleanup action failed",
				"action", cmd.Description(), "error", err)
			errs = multierror.Append(errs, usererr.Wrap(usererr.Cluster, err,
				"cleanup action %q failed", cmd.Description()))
			continue
		}
		s.metrics.IncCleanup("success")
	}
	if interrupted {
		errs = multierror.Append(errs, usererr.Wrap(usererr.Interrupted,
			ctx.Err(), "run interrupted"))
	}
	return errs.ErrorOrNil()
}
