package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeySource selects the running SSH agent instead of a key file.
const AgentKeySource = "agent"

// AgentAvailable reports whether SSH_AUTH_SOCK points at an agent.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// LoadSigners resolves a key source setting:
//   - "" means no public key authentication
//   - "agent" uses every key held by the SSH agent
//   - anything else is the path of an OpenSSH private key file
func LoadSigners(source string) ([]ssh.Signer, error) {
	switch source {
	case "":
		return nil, nil
	case AgentKeySource:
		return agentSigners()
	}

	pem, err := os.ReadFile(source) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", source, err)
	}
	return []ssh.Signer{signer}, nil
}

func agentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("ssh agent: %w", err)
	}

	// The signers sign through conn, so it stays open for the process lifetime.
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh agent signers: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("ssh agent: no keys loaded")
	}
	return signers, nil
}
