package sandbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	errToolUnavailable = errors.New("sandbox: tool unavailable")
	errToolError       = errors.New("sandbox: tool invocation failed")
)

// ErrTimeout is returned when a run does not finish within its deadline.
var ErrTimeout = errors.New("sandbox: execution deadline exceeded")

// Result is the outcome of one sandboxed program run.
type Result struct {
	FinalAnswer string
	Called      bool // whether finalAnswer was ever invoked
}

// Run parses and executes one fenced code block under ctx's deadline,
// bridging tool calls to the caller-supplied tools map. The program's
// only way to affect the outside world is through tools; there is no
// other builtin with side effects.
func Run(ctx context.Context, source string, tools map[string]ToolFunc, limits Limits) (Result, error) {
	prog, err := Parse(source)
	if err != nil {
		return Result{}, err
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		ev := newEvaluator(tools, limits)
		runErr := ev.run(prog)
		res := Result{}
		if ev.finalAnswer != nil {
			res.FinalAnswer = *ev.finalAnswer
			res.Called = true
		}
		done <- outcome{res: res, err: runErr}
	}()

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case o := <-done:
		return o.res, o.err
	}
}
