package rpc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Stream is the byte-level connection to a running backend process.
type Stream struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader // optional

	// Wait blocks until the backend exits. It is called exactly once.
	Wait func() error
	// Kill terminates the backend immediately.
	Kill func() error
}

// Spawner starts a backend and returns its stream.
type Spawner func(ctx context.Context) (*Stream, error)

// ProcessConfig configures the backend child process.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// CommandSpawner returns a Spawner that runs cfg as a child process with its
// stdio wired to the stream. The process is not bound to the ctx passed to
// the spawner; it lives until the client disconnects.
func CommandSpawner(cfg ProcessConfig) Spawner {
	return func(ctx context.Context) (*Stream, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resolved, err := resolveExecutable(cfg.Command)
		if err != nil {
			return nil, err
		}

		cmd := exec.Command(resolved, cfg.Args...)
		cmd.Dir = cfg.Dir
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}

		// io.Pipe instead of StdoutPipe: Wait then returns only after every
		// byte was copied, so the reader sees all frames before EOF.
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
		}

		return &Stream{
			Stdin:  stdin,
			Stdout: stdoutR,
			Stderr: stderrR,
			Wait: func() error {
				err := cmd.Wait()
				_ = stdoutW.Close()
				_ = stderrW.Close()
				return err
			},
			Kill: func() error {
				if cmd.Process == nil {
					return nil
				}
				return cmd.Process.Kill()
			},
		}, nil
	}
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("backend command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("backend command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("backend command not found: %w", err)
	}
	return resolved, nil
}
