package route

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Runner executes proxy engine commands (validate, reload). The
// generator only sees exit status and combined output, so tests can
// stand in for a real proxy engine.
type Runner interface {
	// Run executes argv and returns its combined output. A non-zero
	// exit status is returned as an error.
	Run(ctx context.Context, argv []string) (output string, err error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes argv[0] with the remaining arguments.
func (ExecRunner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "command %q failed", strings.Join(argv, " "))
	}
	return string(out), nil
}

// TestRunner is an in-memory Runner for tests. Commands are matched by
// their argv[0]; entries in Failures make that command fail with the
// mapped output.
type TestRunner struct {
	mu sync.Mutex

	// Calls records every executed argv in order.
	Calls [][]string

	// Failures maps argv[0] to the output of a simulated non-zero
	// exit. Mutate between calls to script validate/reload outcomes.
	Failures map[string]string
}

// NewTestRunner creates a TestRunner where every command succeeds.
func NewTestRunner() *TestRunner {
	return &TestRunner{Failures: make(map[string]string)}
}

// Run records the call and consults the failure script.
func (r *TestRunner) Run(ctx context.Context, argv []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls = append(r.Calls, append([]string{}, argv...))
	if len(argv) == 0 {
		return "", errors.New("empty command")
	}
	if out, ok := r.Failures[argv[0]]; ok {
		return out, errors.Errorf("command %q failed", argv[0])
	}
	return "", nil
}

// CallCount returns how many commands starting with name have run.
func (r *TestRunner) CallCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, call := range r.Calls {
		if len(call) > 0 && call[0] == name {
			n++
		}
	}
	return n
}
