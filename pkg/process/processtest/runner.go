// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"slices"
	"sync"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/process"
)

// Responder produces the outcome of one attempt.
type Responder func(cmd process.Cmd) (res process.Result, exitCode int, err error)

// Rule matches commands whose argv contains its tokens in order.
type Rule struct {
	tokens  []string
	respond Responder
}

// Return makes matching commands exit 0 with stdout.
func (r *Rule) Return(stdout string) *Rule {
	r.respond = func(process.Cmd) (process.Result, int, error) {
		return process.Result{Stdout: stdout}, 0, nil
	}
	return r
}

// Fail makes matching commands exit with code and stderr.
func (r *Rule) Fail(code int, stderr string) *Rule {
	r.respond = func(process.Cmd) (process.Result, int, error) {
		return process.Result{Stderr: stderr}, code, nil
	}
	return r
}

// Do installs a custom responder.
func (r *Rule) Do(fn Responder) *Rule {
	r.respond = fn
	return r
}

// Runner records every attempt and answers from registered rules. Rules
// registered later take precedence. Unmatched commands succeed silently.
type Runner struct {
	mu    sync.Mutex
	rules []*Rule
	calls []process.Cmd
}

var _ process.Runner = (*Runner)(nil)

func New() *Runner {
	return &Runner{}
}

// On registers a rule for commands containing tokens as a subsequence of
// name followed by args.
func (r *Runner) On(tokens ...string) *Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule := &Rule{tokens: tokens}
	rule.Return("")
	r.rules = append(r.rules, rule)
	return rule
}

func (r *Runner) Run(ctx context.Context, cmd process.Cmd) (process.Result, error) {
	attempts := max(cmd.Attempts, 1)
	var (
		res  process.Result
		code int
		err  error
	)
	for range attempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		r.mu.Lock()
		r.calls = append(r.calls, cmd)
		rule := r.match(cmd)
		r.mu.Unlock()

		res, code, err = process.Result{}, 0, nil
		if rule != nil {
			res, code, err = rule.respond(cmd)
		}
		if err == nil && accepts(cmd, code) {
			return res, nil
		}
		if err != nil {
			break
		}
	}
	return res, &errors.ExternalCommandFailure{
		Command:  cmd.Name,
		Args:     cmd.Args,
		ExitCode: code,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      err,
	}
}

func (r *Runner) match(cmd process.Cmd) *Rule {
	argv := append([]string{cmd.Name}, cmd.Args...)
	for i := len(r.rules) - 1; i >= 0; i-- {
		if subsequence(argv, r.rules[i].tokens) {
			return r.rules[i]
		}
	}
	return nil
}

// Calls returns every recorded attempt in order.
func (r *Runner) Calls() []process.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Count returns how many recorded attempts contain tokens in order.
func (r *Runner) Count(tokens ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if subsequence(append([]string{c.Name}, c.Args...), tokens) {
			n++
		}
	}
	return n
}

// Index returns the position of the first recorded attempt containing tokens,
// or -1.
func (r *Runner) Index(tokens ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.calls {
		if subsequence(append([]string{c.Name}, c.Args...), tokens) {
			return i
		}
	}
	return -1
}

func accepts(cmd process.Cmd, code int) bool {
	if len(cmd.ExitCodes) == 0 {
		return code == 0
	}
	return slices.Contains(cmd.ExitCodes, code)
}

func subsequence(argv, tokens []string) bool {
	i := 0
	for _, a := range argv {
		if i < len(tokens) && a == tokens[i] {
			i++
		}
	}
	return i == len(tokens)
}
