package manager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"

	"userbotd/internal/storage"
)

// Launcher builds the command for one identity's session process.
type Launcher interface {
	Command(ctx context.Context, ident storage.Identity) (*exec.Cmd, error)
}

// ExecLauncher runs "<Binary> session <token> <api_id> <api_hash>".
type ExecLauncher struct {
	Binary string // empty means the running executable
	// Env returns extra KEY=VALUE pairs for the child; may be nil.
	Env func(ident storage.Identity) ([]string, error)
}

func (l ExecLauncher) Command(ctx context.Context, ident storage.Identity) (*exec.Cmd, error) {
	if ident.AuthToken == "" {
		return nil, errors.New("identity has no session token")
	}
	bin := l.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		bin = self
	}
	cmd := exec.Command(bin, "session", ident.AuthToken, strconv.Itoa(ident.APIID), ident.APIHash)
	cmd.Env = os.Environ()
	if l.Env != nil {
		extra, err := l.Env(ident)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, extra...)
	}
	return cmd, nil
}
