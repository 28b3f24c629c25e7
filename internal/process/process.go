// Package process starts language servers and connects to them.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/lspengine/internal/logging"
)

// Spec describes a language server executable.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// Logger receives the server's stderr, one event per line.
	Logger zerolog.Logger
}

// Process is a running language server whose stdin and stdout carry LSP.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	log    zerolog.Logger

	closeOnce sync.Once
	closeErr  error

	done       chan struct{}
	stderrDone chan struct{}
	waitErr    error
}

// Launch starts the server described by spec. The process is killed if ctx
// is cancelled.
func Launch(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("process: command is required")
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// Stdout and stderr use our own pipes so cmd.Wait never closes them
	// under a reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutR,
		log:        logging.Component(spec.Logger, "server").With().Int("pid", cmd.Process.Pid).Logger(),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	p.log.Debug().Str("command", spec.Command).Strs("args", spec.Args).Msg("server started")

	go p.forwardStderr(stderrR)
	go p.monitor()
	return p, nil
}

// Stdin is the server's input stream.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout is the server's output stream.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Close closes the server's stdin and stdout. A well-behaved server exits
// when its input ends. Close is idempotent and does not wait.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.stdin.Close(), p.stdout.Close())
	})
	return p.closeErr
}

// Done is closed when the process has exited and its stderr is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop closes the streams and waits for the process to exit. If ctx ends
// first the process is killed.
func (p *Process) Stop(ctx context.Context) error {
	_ = p.Close()
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
	}
	p.log.Warn().Msg("server did not exit, killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	<-p.done
	return ctx.Err()
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	<-p.stderrDone
	p.waitErr = err

	ev := p.log.Debug()
	if err != nil {
		ev = p.log.Warn().Err(err)
	}
	ev.Msg("server exited")
	close(p.done)
}

func (p *Process) forwardStderr(r io.ReadCloser) {
	defer close(p.stderrDone)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug().Err(err).Msg("stderr closed")
	}
}

// Dial connects to a language server listening on a TCP address. The
// returned connection serves as reader, writer and closer of a session.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
