package cluster

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
)

// IProcess is a spawned child process
type IProcess interface {
	// Pid returns the process id
	Pid() int
	// Wait blocks until the process exited, it must be called exactly once
	Wait() error
	// Kill terminates the process immediately
	Kill() error
}

// ISpawner starts child processes
type ISpawner interface {
	// Spawn starts a child with the given spawn-time environment. The context
	// only bounds the start, not the lifetime of the process.
	Spawn(ctx context.Context, env map[string]string) (IProcess, error)
}

// --------------------------------------------------------------------------
// Exec Spawner
// --------------------------------------------------------------------------

// ExecSpawner spawns children as OS processes
type ExecSpawner struct {
	File   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecSpawner creates a spawner for the given executable. The output of
// the children is forwarded to the output of the manager.
func NewExecSpawner(file string, args []string) *ExecSpawner {
	return &ExecSpawner{
		File:   file,
		Args:   args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (s *ExecSpawner) Spawn(ctx context.Context, env map[string]string) (IProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// exec.CommandContext would kill the child when ctx ends, but ctx only
	// bounds the start
	cmd := exec.Command(s.File, s.Args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Env = append(os.Environ(), envList(env)...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.File, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// execProcess wraps a started exec.Cmd
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// envList turns an environment map into sorted KEY=value pairs
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
