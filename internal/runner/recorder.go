package runner

import (
	"context"
	"strings"
	"sync"
)

type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Recorder is an in-memory Runner for tests. It records every call and
// fails the call at index FailOn (0-based, -1 disables) or any call whose
// program is FailProgram.
type Recorder struct {
	FailOn      int
	FailProgram string
	Err         error
	// Outputs maps a program name to the stdout returned by Output.
	Outputs map[string][]byte
	// OnCall runs before the result is decided; a non-nil return fails the call.
	OnCall func(Call) error
	// Escalate makes the recorder report itself as a privileged runner.
	Escalate bool

	mu    sync.Mutex
	calls []Call
}

func NewRecorder() *Recorder {
	return &Recorder{FailOn: -1}
}

func (r *Recorder) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

func (r *Recorder) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	idx := len(r.calls) - 1
	onCall := r.OnCall
	r.mu.Unlock()

	if onCall != nil {
		if err := onCall(call); err != nil {
			return nil, err
		}
	}
	if (r.FailOn >= 0 && idx == r.FailOn) || (r.FailProgram != "" && r.FailProgram == name) {
		err := r.Err
		if err == nil {
			err = &ExternalCommandError{Program: name, Args: call.Args, ExitCode: 1, Stderr: "injected failure"}
		}
		return nil, err
	}
	return r.Outputs[name], nil
}

func (r *Recorder) Escalated() bool {
	return r.Escalate
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Commands returns each recorded call rendered as "name arg1 arg2".
func (r *Recorder) Commands() []string {
	calls := r.Calls()
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.String())
	}
	return out
}
