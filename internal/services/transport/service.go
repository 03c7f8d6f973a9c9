// Package transport builds the SSH transport carrying MINI-LINK CLI sessions.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ebylund/minilink-cli/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// TransportUsername is the fixed placeholder identity used for the SSH-level
// negotiation. MINI-LINK nodes authenticate the real user inside the shell
// channel, not during transport authentication.
const TransportUsername = "cli"

const dialTimeout = 30 * time.Second

// Channel is the byte-level stream to the device shell.
type Channel interface {
	io.Reader
	io.Writer
	Close() error
}

// Service defines the interface for opening device transports.
type Service interface {
	Open(cfg models.DeviceConfig) (Channel, error)
}

// HostKeyPrompter decides whether to accept an unknown host key. It is only
// consulted for the "prompt" key policy.
type HostKeyPrompter func(hostname string, remote net.Addr, key ssh.PublicKey) bool

// Conn wraps an established SSH connection for mocking.
type Conn interface {
	OpenShell() (Channel, error)
	Close() error
}

// DialerFactory creates SSH connections.
type DialerFactory interface {
	Dial(network, addr string, config *ssh.ClientConfig) (Conn, error)
}

// DefaultDialerFactory is the default SSH dialer factory.
type DefaultDialerFactory struct{}

// Dial connects using golang.org/x/crypto/ssh.
func (f *DefaultDialerFactory) Dial(network, addr string, config *ssh.ClientConfig) (Conn, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultConn{client: client}, nil
}

type defaultConn struct {
	client *ssh.Client
}

// OpenShell starts an interactive shell with a pty, the way the node's CLI
// expects to be driven.
func (c *defaultConn) OpenShell() (Channel, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,     // disable echoing
		ssh.TTY_OP_ISPEED: 14400, // input speed = 14.4kbaud
		ssh.TTY_OP_OSPEED: 14400, // output speed = 14.4kbaud
	}

	if err := session.RequestPty("xterm", 0, 80, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request for pseudo terminal failed: %w", err)
	}

	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return &shellChannel{stdin: stdin, stdout: stdout, session: session}, nil
}

func (c *defaultConn) Close() error {
	return c.client.Close()
}

type shellChannel struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

func (ch *shellChannel) Read(p []byte) (int, error)  { return ch.stdout.Read(p) }
func (ch *shellChannel) Write(p []byte) (int, error) { return ch.stdin.Write(p) }

func (ch *shellChannel) Close() error {
	_ = ch.stdin.Close()
	return ch.session.Close()
}

// openedChannel ties the shell channel lifetime to the underlying connection.
type openedChannel struct {
	Channel
	conn Conn
}

func (o *openedChannel) Close() error {
	err := o.Channel.Close()
	if cerr := o.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Impl implements the transport Service interface.
type Impl struct {
	dialerFactory DialerFactory
	prompter      HostKeyPrompter
	logger        zerolog.Logger
}

// New creates a new transport service. Unknown host keys under the "prompt"
// policy are rejected until a prompter is supplied.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		dialerFactory: &DefaultDialerFactory{},
		logger:        logger,
	}
}

// NewWithDialerFactory creates a transport service with a custom dialer
// factory and host-key prompter.
func NewWithDialerFactory(logger zerolog.Logger, factory DialerFactory, prompter HostKeyPrompter) *Impl {
	return &Impl{
		dialerFactory: factory,
		prompter:      prompter,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.DeviceConfig) (*ssh.ClientConfig, error) {
	// With an empty auth list the client offers only the "none" method, which
	// is all the node wants: the real login happens inside the shell channel.
	var auth []ssh.AuthMethod
	if cfg.SSH.UseKeys {
		key, err := os.ReadFile(cfg.SSH.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.SSH.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback, err := s.buildHostKeyCallback(cfg.SSH)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            TransportUsername,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

func (s *Impl) buildHostKeyCallback(cfg models.SSHConfig) (ssh.HostKeyCallback, error) {
	var known []ssh.HostKeyCallback

	if cfg.SystemHostKeys {
		// Best effort, a missing or unreadable store is not fatal.
		path := filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
		if cb, err := knownhosts.New(path); err == nil {
			known = append(known, cb)
		} else {
			s.logger.Debug().Err(err).Str("file", path).Msg("system known_hosts not loaded")
		}
	}

	if cfg.AltHostKeys {
		if _, err := os.Stat(cfg.AltKeyFile); err == nil {
			cb, err := knownhosts.New(cfg.AltKeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load host keys from %s: %w", cfg.AltKeyFile, err)
			}
			known = append(known, cb)
		} else {
			s.logger.Debug().Str("file", cfg.AltKeyFile).Msg("alternate host key file missing, skipping")
		}
	}

	policy := cfg.KeyPolicy

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		var lastErr error
		for _, cb := range known {
			err := cb(hostname, remote, key)
			if err == nil {
				return nil
			}
			// A pinned host presenting a different key is never a policy
			// question, only hosts absent from the stores are.
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return err
			}
			lastErr = err
		}

		switch policy {
		case models.KeyPolicyAccept:
			return nil
		case models.KeyPolicyPrompt:
			if s.prompter != nil && s.prompter(hostname, remote, key) {
				return nil
			}
		case models.KeyPolicyReject:
		}

		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("unknown host key for %s (%s)", hostname, ssh.FingerprintSHA256(key))
	}, nil
}

// Open connects to the device and returns the interactive shell channel. The
// session is not logged in yet, the caller drives the in-shell handshake.
func (s *Impl) Open(cfg models.DeviceConfig) (Channel, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	s.logger.Info().
		Str("addr", addr).
		Str("user", TransportUsername).
		Bool("use_keys", cfg.SSH.UseKeys).
		Msg("dialing device")

	conn, err := s.dialerFactory.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	ch, err := conn.OpenShell()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &openedChannel{Channel: ch, conn: conn}, nil
}
