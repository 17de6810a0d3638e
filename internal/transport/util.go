package transport

import (
	"os"
	"strings"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// parentDir returns the directory portion of a remote (always
// forward-slash) path, independent of the host OS's path separator.
func parentDir(remotePath string) string {
	idx := strings.LastIndex(remotePath, "/")
	if idx <= 0 {
		return ""
	}

	return remotePath[:idx]
}

// agentAuthMethod (agent.go) has a single implementation: it reaches
// ssh-agent through the unix socket named by SSH_AUTH_SOCK.
