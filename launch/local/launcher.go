package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/enginewire/internal/files"
	"github.com/guseggert/enginewire/launch"
	"github.com/guseggert/enginewire/transport"
	"go.uber.org/zap"
)

// Launcher runs the engine driver as a child process of this one and talks to it over its stdin and stdout.
// The driver's stderr is surfaced through the transport's log side channel.
type Launcher struct {
	Log *zap.SugaredLogger
	// Command is the driver binary. If empty, a file named launch.DriverBinName is searched for upwards from the working dir.
	Command string
	Args    []string
	// Env is added to this process's environment.
	Env []string
	Dir string
	// GracePeriod is how long the driver gets to exit after its stdin closes before it is killed.
	GracePeriod time.Duration
}

func New() *Launcher {
	return &Launcher{
		Log:         zap.NewNop().Sugar(),
		Args:        launch.DefaultDriverArgs,
		GracePeriod: 5 * time.Second,
	}
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.Log = log.Named("local_launcher")
	return l
}

func (l *Launcher) WithCommand(cmd string, args ...string) *Launcher {
	l.Command = cmd
	l.Args = args
	return l
}

func (l *Launcher) WithEnv(env ...string) *Launcher {
	l.Env = append(l.Env, env...)
	return l
}

func (l *Launcher) command() (string, error) {
	if l.Command != "" {
		return l.Command, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	p, err := files.FindUp(launch.DriverBinName, wd)
	if err != nil {
		return "", fmt.Errorf("finding driver binary: %w", err)
	}
	return p, nil
}

// Launch starts the driver. The process is not tied to ctx; it lives until the transport is closed.
func (l *Launcher) Launch(ctx context.Context) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command, err := l.command()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(command, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Dir = l.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening driver stdin: %w", err)
	}
	// plain pipes rather than StdoutPipe, so that Wait does not close them under the reader
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("opening driver stdout: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("opening driver stderr: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("starting driver %q: %w", command, err)
	}
	l.Log.Debugw("started driver", "Command", command, "Args", l.Args, "PID", cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	// the stream closes stdin first, which asks the driver to exit
	stop := func() error {
		grace := l.GracePeriod
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case err := <-exited:
			return exitErr(err)
		case <-timer.C:
		}
		l.Log.Debugw("killing driver", "PID", cmd.Process.Pid, "GracePeriod", grace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing driver: %w", err)
		}
		<-exited
		return nil
	}

	return transport.NewStream(stdout, stdin,
		transport.WithLogger(l.Log),
		transport.WithStderr(stderr),
		transport.WithCloser(stop),
		transport.WithCloser(stderr.Close),
	), nil
}

func exitErr(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// the driver exiting on its own is the normal outcome of closing it
		return nil
	}
	return err
}
