// Package executor spawns the external agent executor process, one per
// prompt execution, and observes its termination.
package executor

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
)

// LaunchSpec carries everything an executor invocation needs. The session
// token and per-user credentials travel through the child environment, never
// argv: argv is visible to anyone on the machine via process listing.
type LaunchSpec struct {
	SessionID       string
	TaskID          string
	Prompt          string
	Tool            string
	ToolBinary      string
	PermissionMode  string
	WorkDir         string
	Token           string
	BaseURL         string
	ResumeSessionID string
	Env             map[string]string
}

// Handle observes a spawned executor.
type Handle interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
	// PID returns the child process id.
	PID() int
}

// Launcher starts executor processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Handle, error)
}

// LocalLauncher runs the executor binary as a local child process.
type LocalLauncher struct {
	// Binary is the executor binary; relative names are looked up on PATH.
	Binary string
}

// NewLocalLauncher creates a launcher for the given executor binary.
func NewLocalLauncher(binary string) *LocalLauncher {
	return &LocalLauncher{Binary: binary}
}

// Launch resolves the executor binary and starts one process for the spec.
// A missing binary fails synchronously, before any process is created; the
// caller is expected to transition the task to failed. There is no retry.
func (l *LocalLauncher) Launch(spec LaunchSpec) (Handle, error) {
	path, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, fmt.Errorf("executor binary %q not found: %w", l.Binary, err)
	}

	args := []string{
		"--session", spec.SessionID,
		"--task", spec.TaskID,
		"--tool", spec.Tool,
		"--permission-mode", spec.PermissionMode,
		"--base-url", spec.BaseURL,
	}
	if spec.ToolBinary != "" {
		// The daemon resolves the agent tool binary (config overrides
		// included); the executor must run exactly that binary rather than
		// repeat the lookup with its own PATH.
		args = append(args, "--tool-binary", spec.ToolBinary)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	args = append(args, "--prompt", spec.Prompt)

	cmd := exec.Command(path, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start executor: %w", err)
	}

	h := &localHandle{cmd: cmd}

	// Pump output line by line into the daemon log with a session prefix.
	// The executor speaks to the daemon only through the event endpoint;
	// stdout/stderr are never parsed for protocol content.
	prefix := shortID(spec.SessionID)
	h.pumps.Add(2)
	go pumpLines(&h.pumps, prefix, "out", stdout)
	go pumpLines(&h.pumps, prefix, "err", stderr)

	return h, nil
}

type localHandle struct {
	cmd   *exec.Cmd
	pumps sync.WaitGroup
}

func (h *localHandle) Wait() int {
	h.pumps.Wait()
	err := h.cmd.Wait()
	if h.cmd.ProcessState != nil {
		return h.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func (h *localHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func buildEnv(spec LaunchSpec) []string {
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "AGOR_SESSION_TOKEN="+spec.Token)
	return env
}

func pumpLines(wg *sync.WaitGroup, prefix, stream string, r interface{ Read([]byte) (int, error) }) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("[%s] executor %s: %s", prefix, stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[%s] executor %s: read error: %v", prefix, stream, err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
