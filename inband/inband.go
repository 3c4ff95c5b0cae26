// Package inband talks to a booted target over SSH: command execution,
// file transfer, and the fact-gathering helpers the discovery and BIOS
// stages build on. Sessions are non-interactive; host-key checking is
// disabled because targets are freshly imaged and keyed per boot.
package inband

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dario.cat/mergo"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/ironhive/ironhive/pkg/fault"
)

// Config describes one SSH endpoint. Zero fields are filled from
// defaults: port 22, user root, 10 second connect timeout.
type Config struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string
	Timeout  time.Duration
}

// NewConfig merges c over the defaults.
func NewConfig(c Config) *Config {
	defaults := Config{
		Port:    22,
		User:    "root",
		Timeout: 10 * time.Second,
	}
	if err := mergo.Merge(&c, defaults); err != nil {
		panic(fmt.Sprintf("failed to merge config: %v", err))
	}
	return &c
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Result is the outcome of one remote command. A non-zero exit is not an
// error by itself; transport failures are.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
}

// Runner executes remote commands. *Session implements it; tests inject
// fakes.
type Runner interface {
	Run(ctx context.Context, cmd string) (Result, error)
}

// Session is an open SSH connection to one target.
type Session struct {
	client *ssh.Client
	cfg    Config
	log    logr.Logger
	closed atomic.Bool
}

// Option mutates a Session during Dial.
type Option func(*Session)

// WithLogger sets the logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Dial opens an SSH session to cfg.Host. Authentication tries the key
// file first, then the password; at least one must be set.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	cfg = *NewConfig(cfg)

	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		raw, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fault.Wrap(fault.SSHConnection, err, "read key %s", cfg.KeyPath)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fault.Wrap(fault.SSHConnection, err, "parse key %s", cfg.KeyPath)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fault.New(fault.SSHConnection, "dial %s: no authentication method configured", cfg.Addr())
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // targets are re-imaged per provision; no stable host keys
		Timeout:         cfg.Timeout,
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fault.Wrap(fault.SSHConnection, err, "dial %s", cfg.Addr())
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, fault.Wrap(fault.SSHConnection, err, "handshake with %s as %s", cfg.Addr(), cfg.User)
	}

	s := &Session{
		client: ssh.NewClient(sshConn, chans, reqs),
		cfg:    cfg,
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.V(1).Info("ssh session established", "host", cfg.Host, "user", cfg.User)
	return s, nil
}

// Host returns the configured host.
func (s *Session) Host() string { return s.cfg.Host }

// Close tears down the connection. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

// Run executes cmd on the target and captures its output. The remote
// exit code lands in Result.ExitCode; only transport failures error.
func (s *Session) Run(ctx context.Context, cmd string) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, fault.Wrap(fault.SSHConnection, err, "open channel to %s", s.cfg.Host)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Best effort; the server may not honor the signal, closing the
		// channel reaps the command either way.
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fault.Wrap(fault.SSHConnection, err, "run %q on %s", cmd, s.cfg.Host)
	}
	s.log.V(2).Info("command finished", "cmd", cmd, "elapsed", res.Elapsed.Round(time.Millisecond).String())
	return res, nil
}

// RunBatch executes cmds in order. With stopOnError set, the first
// transport failure or non-zero exit ends the batch; the partial results
// are returned either way.
func (s *Session) RunBatch(ctx context.Context, cmds []string, stopOnError bool) ([]Result, error) {
	return runBatch(ctx, s, cmds, stopOnError)
}

func runBatch(ctx context.Context, r Runner, cmds []string, stopOnError bool) ([]Result, error) {
	out := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := r.Run(ctx, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if stopOnError && res.ExitCode != 0 {
			return out, fmt.Errorf("batch stopped: %q exited %d: %s", cmd, res.ExitCode, firstLine(res.Stderr))
		}
	}
	return out, nil
}

// WaitForOutput polls cmd on a fixed interval until its output contains
// substr or timeout elapses. Transport errors are retried; the poll is
// cancellation-aware.
func (s *Session) WaitForOutput(ctx context.Context, cmd, substr string, interval, timeout time.Duration) error {
	return waitForOutput(ctx, s, cmd, substr, interval, timeout)
}

func waitForOutput(ctx context.Context, r Runner, cmd, substr string, interval, timeout time.Duration) error {
	op := func() (struct{}, error) {
		res, err := r.Run(ctx, cmd)
		if err != nil {
			return struct{}{}, err
		}
		if strings.Contains(res.Stdout, substr) || strings.Contains(res.Stderr, substr) {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("%q not yet in output of %q", substr, cmd)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
