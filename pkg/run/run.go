// Package run spawns subprocesses and relays their console output.
package run

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// OutputFunc receives every non-empty chunk of subprocess output in arrival
// order. Chunks from stdout and stderr are delivered atomically, but no
// ordering is guaranteed between the two streams.
type OutputFunc func(data []byte)

// Runner executes a command in a working directory and reports its exit code.
// args is the full argv, including argv[0]; path is the executable to spawn.
// A failure to spawn (missing executable, bad dir) is an error; any exit of a
// started process is an exit code, not an error.
type Runner interface {
	Run(ctx context.Context, dir, path string, args []string, output OutputFunc) (int, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, dir, path string, args []string, output OutputFunc) (int, error)

func (f Func) Run(ctx context.Context, dir, path string, args []string, output OutputFunc) (int, error) {
	return f(ctx, dir, path, args, output)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, path string, args []string, output OutputFunc) (int, error) {
	if !strings.Contains(path, string(os.PathSeparator)) {
		if resolved, err := exec.LookPath(path); err == nil {
			path = resolved
		}
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Args = args
	cmd.Path = path
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(err, "spawn %q", path)
	}

	var pumps errgroup.Group
	pumps.Go(func() error { return pump(stdout, output) })
	pumps.Go(func() error { return pump(stderr, output) })

	// Drain both streams before Wait closes the pipes.
	pumpErr := pumps.Wait()

	err = cmd.Wait()
	switch err := err.(type) {
	case nil:
		return 0, nil
	case *exec.ExitError:
		if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// Killed processes report the shell convention.
			return 128 + int(ws.Signal()), nil
		}
		return err.ExitCode(), nil
	default:
		if pumpErr != nil {
			return 0, errors.Wrap(pumpErr, "relay output")
		}
		return 0, errors.Wrap(err, "unexpected subprocess status")
	}
}

func pump(r io.Reader, output OutputFunc) error {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 && output != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			output(chunk)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// LookDocker locates the docker binary on PATH, falling back to the
// conventional location when PATH has nothing.
func LookDocker() string {
	if path, err := exec.LookPath("docker"); err == nil {
		return path
	}
	return "/usr/bin/docker"
}
