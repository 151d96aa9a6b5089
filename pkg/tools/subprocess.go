package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// MacheteLimit is the hard cap on captured subprocess output. Applied at the
// moment of capture so oversized payloads never reach the bus or the log.
const MacheteLimit = 20000

// Machete truncates captured output to the limit, with a note telling the
// agent how to escalate if it really needs the full text.
func Machete(text string) string {
	if len(text) <= MacheteLimit {
		return text
	}
	removed := len(text) - MacheteLimit
	return text[:MacheteLimit] + fmt.Sprintf(
		"\n... [TRUNCATED BY GUPPI SAFETY: %d chars removed. Output above 20k chars per turn is unadvised. "+
			"If you need the full text, notify the human, set a todo, and hibernate] ...", removed)
}

// Runner owns subprocess lifecycle: tracked processes are capped by a
// semaphore and monitored to completion; untracked ones are fire-and-forget
// but still reaped.
type Runner struct {
	journal Patcher
	timeout time.Duration
	sem     chan struct{}

	mu      sync.Mutex
	tracked map[string]*exec.Cmd
}

func NewRunner(journal Patcher, timeout time.Duration, maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Runner{
		journal: journal,
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrent),
		tracked: make(map[string]*exec.Cmd),
	}
}

// SpawnShell runs a shell command under the turn's id. The command is
// wrapped in a timeout slightly inside the monitor's own so bash gets a
// chance to die cleanly before the hard kill.
func (r *Runner) SpawnShell(ctx context.Context, turnID, command string) error {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	shellLimit := int(r.timeout.Seconds()) - 5
	if shellLimit < 10 {
		shellLimit = 10
	}
	wrapped := fmt.Sprintf("export DEBIAN_FRONTEND=noninteractive; timeout -k 5 %ds bash -c %s",
		shellLimit, shellQuote(command))

	cmd := exec.Command("bash", "-c", wrapped)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		<-r.sem
		return fmt.Errorf("spawn failed: %w", err)
	}

	r.mu.Lock()
	r.tracked[turnID] = cmd
	r.mu.Unlock()

	go r.monitor(turnID, cmd, &stdout, &stderr)
	return nil
}

// SpawnDetached starts an untracked process with discarded output. Used for
// scribes; their results come back through the inbox, not the pipe.
func (r *Runner) SpawnDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn failed: %w", err)
	}
	slog.Info("spawned untracked process", "pid", cmd.Process.Pid, "command", name)
	// Reap the zombie from the process table.
	go cmd.Wait()
	return nil
}

// monitor waits out the process, hard-kills on timeout, applies the Machete
// and patches the turn's outcome.
func (r *Runner) monitor(turnID string, cmd *exec.Cmd, stdout, stderr *bytes.Buffer) {
	defer func() {
		r.mu.Lock()
		delete(r.tracked, turnID)
		r.mu.Unlock()
		<-r.sem
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	code := 0
	select {
	case err := <-waitDone:
		if err != nil {
			code = cmd.ProcessState.ExitCode()
		}
	case <-time.After(r.timeout):
		slog.Warn("subprocess timed out, killing", "turn_id", turnID)
		cmd.Process.Kill()
		<-waitDone
		code = -9
	}

	results := map[string]interface{}{
		"stdout": Machete(stdout.String()),
		"stderr": Machete(stderr.String()),
		"code":   code,
	}
	if err := r.journal.PatchOutcome(context.Background(), turnID, results, true); err != nil {
		slog.Error("failed to patch subprocess outcome", "turn_id", turnID, "error", err)
	}
}

// Active returns the number of tracked subprocesses still running.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// WaitIdle blocks until all tracked subprocesses finish or the deadline
// passes. Used during graceful shutdown.
func (r *Runner) WaitIdle(deadline time.Duration) {
	stop := time.Now().Add(deadline)
	for r.Active() > 0 && time.Now().Before(stop) {
		time.Sleep(100 * time.Millisecond)
	}
}

// shellQuote single-quotes a string for safe embedding in a bash command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
