package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch means a known host presented a different key.
var ErrHostKeyMismatch = errors.New("ssh host key mismatch")

// NewHostKeyCallback verifies server keys against the known_hosts file at
// path. Hosts missing from the file are appended on first contact; hosts
// that are present must present one of their recorded keys.
//
// An empty path disables host key checking. The file and its directory are
// created when missing.
func NewHostKeyCallback(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Checking disabled by configuration.
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	k := &knownHosts{path: path, logger: logger}
	if err := k.reload(); err != nil {
		return nil, err
	}
	return k.check, nil
}

type knownHosts struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	verify ssh.HostKeyCallback
}

func (k *knownHosts) reload() error {
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	k.verify = cb
	return nil
}

func (k *knownHosts) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.verify(hostname, remote, key)

	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w for %s: %w", ErrHostKeyMismatch, hostname, err)
	}

	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts append: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = f.WriteString(line + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("known_hosts append: %w", err)
	}

	k.logger.Info("ssh: trusting new host key", "host", hostname, "type", key.Type(), "known_hosts", k.path)

	// Pick up the new line so later connections in this process verify it.
	return k.reload()
}
