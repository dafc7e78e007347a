package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Runner executes installer tools. Run returns the process exit code; the
// error is reserved for failures to start or wait on the process.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (int, error)
}

// ExecRunner runs tools with os/exec and logs every line of combined
// stdout and stderr.
type ExecRunner struct {
	log *logrus.Logger
}

// NewExecRunner creates a runner that logs tool output to log.
func NewExecRunner(log *logrus.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (int, error) {
	entry := r.log.WithField("tool", name)
	w := entry.WriterLevel(logrus.InfoLevel)
	defer w.Close()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	cmd.Stderr = w

	entry.WithField("args", args).Debug("exec")
	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("run %s: %w", name, err)
	}
	return 0, nil
}

// CheckResult maps the exit code of an installer "check" command: 0 means
// installed, 1 means not installed, anything else is a failure.
func CheckResult(tool string, code int) (bool, error) {
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("%s check: unexpected exit code %d", tool, code)
	}
}
