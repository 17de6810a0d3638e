package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// agentAuthMethod dials the running ssh-agent via SSH_AUTH_SOCK and returns
// an ssh.AuthMethod backed by its loaded keys.
func agentAuthMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("transport: agent auth requested but SSH_AUTH_SOCK is not set")
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing ssh-agent socket %s: %w", sock, err)
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}
