package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/jianglibo/bkoverssh/internal/config"
)

// SSHChannel is the concrete Channel binding: one ssh.Client plus a lazily
// opened sftp.Client sharing the same connection.
type SSHChannel struct {
	client     *ssh.Client
	sftpClient *sftp.Client
}

// DialTimeout is the TCP+handshake timeout for establishing a new SSHChannel.
const DialTimeout = 30 * time.Second

// Dial authenticates to host:port using auth (exactly one of
// password/agent/identity_file must be set — enforced by
// config.AuthMethod.Kind) and returns a ready Channel.
func Dial(ctx context.Context, host string, port int, user string, auth config.AuthMethod) (*SSHChannel, error) {
	authMethod, err := resolveAuthMethod(auth)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // fleet hosts are pre-provisioned by the operator, not verified interactively
		Timeout:         DialTimeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("transport: opening sftp subsystem on %s: %w", addr, err)
	}

	return &SSHChannel{client: client, sftpClient: sftpClient}, nil
}

func resolveAuthMethod(auth config.AuthMethod) (ssh.AuthMethod, error) {
	kind, err := auth.Kind()
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	switch kind {
	case "password":
		return ssh.Password(auth.Password), nil
	case "identity_file":
		signer, err := loadIdentityFile(auth.IdentityFile)
		if err != nil {
			return nil, err
		}

		return ssh.PublicKeys(signer), nil
	case "agent":
		return agentAuthMethod()
	default:
		return nil, fmt.Errorf("transport: unsupported auth kind %q", kind)
	}
}

func loadIdentityFile(path string) (ssh.Signer, error) {
	key, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: reading identity file %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing identity file %s: %w", path, err)
	}

	return signer, nil
}

// execResult adapts an ssh.Session's stdout pipe plus deferred Wait into an
// io.ReadCloser whose Close reports the remote exit status.
type execResult struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  *bytes.Buffer
	command string
}

func (r *execResult) Read(p []byte) (int, error) {
	return r.stdout.Read(p)
}

func (r *execResult) Close() error {
	err := r.session.Wait()
	r.session.Close()

	if err != nil {
		return &ErrRemoteCommandFailed{Command: r.command, Stderr: r.stderr.String(), ExitErr: err}
	}

	return nil
}

// Exec runs command over a fresh SSH session (each Exec gets its own
// session, multiplexed over the shared connection; the teacher's worker
// pool gives each transfer worker its own Channel for exactly this reason).
func (c *SSHChannel) Exec(_ context.Context, command string) (io.ReadCloser, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("transport: opening session for %q: %w", command, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("transport: stdout pipe for %q: %w", command, err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("transport: starting %q: %w", command, err)
	}

	return &execResult{session: session, stdout: stdout, stderr: &stderr, command: command}, nil
}

// OpenRemote opens path on the remote host for reading via sftp.
func (c *SSHChannel) OpenRemote(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := c.sftpClient.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: opening remote %s: %w", path, err)
	}

	return f, nil
}

// CreateRemote creates (truncating) path on the remote host, creating parent
// directories first.
func (c *SSHChannel) CreateRemote(_ context.Context, path string) (io.WriteCloser, error) {
	if dir := parentDir(path); dir != "" && dir != "." {
		if err := c.sftpClient.MkdirAll(dir); err != nil {
			return nil, fmt.Errorf("transport: creating remote dir %s: %w", dir, err)
		}
	}

	f, err := c.sftpClient.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transport: creating remote %s: %w", path, err)
	}

	return f, nil
}

// RemoveRemote deletes path on the remote host.
func (c *SSHChannel) RemoveRemote(_ context.Context, path string) error {
	if err := c.sftpClient.Remove(path); err != nil {
		return fmt.Errorf("transport: removing remote %s: %w", path, err)
	}

	return nil
}

// Close tears down the sftp subsystem and the underlying ssh.Client.
func (c *SSHChannel) Close() error {
	if c.sftpClient != nil {
		c.sftpClient.Close()
	}

	return c.client.Close()
}

var _ Channel = (*SSHChannel)(nil)
