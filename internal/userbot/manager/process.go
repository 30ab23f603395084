package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"userbotd/internal/userbot/readiness"
	logx "userbotd/pkg/logx"
)

// ExitInvalidSession is the exit status of a session process whose
// credential the platform no longer accepts.
const ExitInvalidSession = 3

var (
	ErrHandshakeTimeout  = errors.New("session did not report ready in time")
	ErrExitedBeforeReady = errors.New("session exited before it was ready")
	ErrSessionRevoked    = errors.New("session credential revoked")
)

// process is one launched child and its readiness channel.
type process struct {
	pid       int
	startedAt time.Time
	cmd       interface{ Signal(os.Signal) error }
	kill      func() error
	ready     *readiness.Listener
	stderr    *tailWriter

	done    chan struct{} // closed once the child was reaped
	exitErr error         // valid after done
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitDetail describes why the child ended, with the stderr tail if any.
func (p *process) exitDetail() string {
	msg := "exited"
	if p.exitErr != nil {
		msg = p.exitErr.Error()
	}
	if tail := p.stderr.String(); tail != "" {
		msg += ": " + lastLine(tail)
	}
	return msg
}

func (p *process) revoked() bool {
	var ee *exec.ExitError
	return errors.As(p.exitErr, &ee) && ee.ExitCode() == ExitInvalidSession
}

// earlyExit is the launch error of a child that died before READY.
func (p *process) earlyExit() error {
	if p.revoked() {
		return fmt.Errorf("%w: %w: %s", ErrExitedBeforeReady, ErrSessionRevoked, p.exitDetail())
	}
	return fmt.Errorf("%w: %s", ErrExitedBeforeReady, p.exitDetail())
}

// terminate sends SIGTERM, waits up to grace and then kills.
func (p *process) terminate(grace time.Duration) {
	if p.exited() {
		return
	}
	_ = p.cmd.Signal(syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return
	case <-t.C:
	}
	_ = p.kill()
	<-p.done
}

// launch starts the child and runs the readiness handshake. It returns only
// a ready process; every failure path leaves no child behind.
func (m *Manager) launch(ctx context.Context, id int64, log logx.Logger) (*process, time.Duration, error) {
	ident, err := m.identity(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	cmd, err := m.launcher.Command(ctx, ident)
	if err != nil {
		return nil, 0, fmt.Errorf("build command: %w", err)
	}
	l, err := readiness.Listen(log)
	if err != nil {
		return nil, 0, err
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, l.Env())

	childLog := log.With(logx.String("comp", "child"))
	p := &process{
		ready:  l,
		stderr: newTailWriter(stderrTailBytes, childLog),
		done:   make(chan struct{}),
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = p.stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = l.Close()
		return nil, 0, fmt.Errorf("start session: %w", err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = started
	p.cmd = cmd.Process
	p.kill = cmd.Process.Kill
	go func() {
		p.exitErr = cmd.Wait()
		_ = l.Close()
		close(p.done)
	}()

	hsCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	readyErr := make(chan error, 1)
	go func() {
		_, err := l.Wait(hsCtx)
		readyErr <- err
	}()

	select {
	case err := <-readyErr:
		switch {
		case err == nil:
			return p, time.Since(started), nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			_ = p.kill()
			<-p.done
			return nil, 0, fmt.Errorf("%w (%s)", ErrHandshakeTimeout, m.cfg.HandshakeTimeout)
		case errors.Is(err, readiness.ErrClosed):
			<-p.done
			return nil, 0, p.earlyExit()
		default:
			_ = p.kill()
			<-p.done
			return nil, 0, err
		}
	case <-p.done:
		return nil, 0, p.earlyExit()
	}
}
