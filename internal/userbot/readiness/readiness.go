// Package readiness is the start-up handshake between the supervisor and a
// session process. It speaks the sd_notify datagram format over a private
// unixgram socket whose path the child receives in NOTIFY_SOCKET.
package readiness

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	logx "userbotd/pkg/logx"
)

// EnvKey is the variable a child reads the socket path from.
const EnvKey = "NOTIFY_SOCKET"

// Marker is printed on stdout for operators once the session is up. Nothing parses it.
const Marker = "USERBOT_READY"

var ErrClosed = errors.New("readiness listener closed")

// State is the parsed content of one notify datagram.
type State map[string]string

func (s State) Ready() bool    { return s["READY"] == "1" }
func (s State) Stopping() bool { return s["STOPPING"] == "1" }
func (s State) Status() string { return s["STATUS"] }

// Parse decodes newline separated KEY=VALUE assignments. Lines without "=" are ignored.
func Parse(b []byte) State {
	st := State{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok || k == "" {
			continue
		}
		st[k] = v
	}
	return st
}

// Listener receives notify datagrams from one child.
type Listener struct {
	dir  string
	path string
	conn *net.UnixConn
	log  logx.Logger

	ready chan State
	done  chan struct{}

	mu        sync.Mutex
	status    string
	gotReady  bool
	closeOnce sync.Once
}

// Listen creates a socket in a fresh private directory under os.TempDir.
func Listen(log logx.Logger) (*Listener, error) {
	dir, err := os.MkdirTemp("", "userbotd-")
	if err != nil {
		return nil, fmt.Errorf("readiness dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()[:8]+".sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("readiness socket: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Listener{
		dir:   dir,
		path:  path,
		conn:  conn,
		log:   log,
		ready: make(chan State, 1),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *Listener) Path() string { return l.path }

// Env returns the KEY=VALUE pair to append to the child's environment.
func (l *Listener) Env() string { return EnvKey + "=" + l.path }

func (l *Listener) readLoop() {
	defer close(l.done)
	buf := make([]byte, 4096)
	for {
		n, _, err := l.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		st := Parse(buf[:n])
		l.mu.Lock()
		if s, ok := st["STATUS"]; ok {
			l.status = s
		}
		first := st.Ready() && !l.gotReady
		if first {
			l.gotReady = true
		}
		l.mu.Unlock()

		if first {
			l.ready <- st
		}
		if st.Stopping() {
			l.log.Debug("child reported stopping")
		}
	}
}

// Wait blocks until the child reports READY=1, the listener closes or ctx ends.
func (l *Listener) Wait(ctx context.Context) (State, error) {
	select {
	case st := <-l.ready:
		return st, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status is the last STATUS= line the child sent.
func (l *Listener) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Close stops reading and removes the socket directory.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
		<-l.done
		if rmErr := os.RemoveAll(l.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	})
	return err
}

// Notify sends state to the socket named in NOTIFY_SOCKET. It reports false
// when the variable is unset.
func Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Ready announces a connected, authorized session.
func Ready(status string) (bool, error) {
	return Notify(fmt.Sprintf("%s\nSTATUS=%s\nMAINPID=%d", daemon.SdNotifyReady, status, os.Getpid()))
}

func Status(status string) (bool, error) { return Notify("STATUS=" + status) }

func Stopping() (bool, error) { return Notify(daemon.SdNotifyStopping) }
