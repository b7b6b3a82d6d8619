package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/metrics"
)

// Runner forks kubectl. Commands always run as an argv exec — never through
// a shell — under an absolute timeout that kills the whole process group, so
// a kubectl that forked helpers cannot outlive its budget.
type Runner struct {
	bin string
}

// NewRunner resolves the kubectl binary. bin may be an absolute path or a
// name resolved via PATH; empty means "kubectl".
func NewRunner(bin string) (*Runner, error) {
	if bin == "" {
		bin = "kubectl"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("kubectl binary not found: %w", err)
	}
	return &Runner{bin: path}, nil
}

// Run executes one validated command and returns its structured result.
// Every outcome, including timeout and spawn failure, produces a result;
// the runner never returns an error the caller must branch on.
func (r *Runner) Run(ctx context.Context, cmd *models.Command, timeout time.Duration) models.CommandResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, r.bin, cmd.Argv()...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		// Negative pid: signal the whole process group.
		return syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
	}
	proc.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	metrics.SubprocessSpawnsTotal.Inc()
	start := time.Now()
	err := proc.Run()
	elapsed := time.Since(start)
	metrics.SubprocessDurationSeconds.WithLabelValues(cmd.CommandType).Observe(elapsed.Seconds())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		secs := int(timeout.Seconds())
		msg := fmt.Sprintf("Command timed out after %d seconds", secs)
		return models.CommandResult{
			CommandID:       cmd.ID,
			Success:         false,
			Error:           &msg,
			ExecutionTimeMS: int64(secs) * 1000,
		}
	}

	res := models.CommandResult{
		CommandID:       cmd.ID,
		Success:         err == nil,
		Output:          stdout.String(),
		ExecutionTimeMS: elapsed.Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			res.ExitCode = &code
			msg := stderr.String()
			if msg == "" {
				msg = exitErr.String()
			}
			res.Error = &msg
		} else {
			msg := "failed to run kubectl: " + err.Error()
			res.Error = &msg
		}
		return res
	}
	zero := 0
	res.ExitCode = &zero
	if s := stderr.String(); s != "" {
		res.Error = &s
	}
	return res
}
