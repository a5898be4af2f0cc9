// Package client connects to the tablet over SSH and exposes its document
// directory as a Transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/funkey/resync/pkg/retry"
)

// Defaults for a stock device.
const (
	DefaultAddress        = "10.11.99.1"
	DefaultUser           = "root"
	DefaultDocumentRoot   = "/home/root/.local/share/remarkable/xochitl"
	DefaultRestartCommand = "/bin/systemctl restart xochitl"
)

// Config holds device connection settings.
type Config struct {
	Address      string
	User         string
	DocumentRoot string

	IdentityFiles         []string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	// Password, when set, is asked for a password after key based
	// methods failed.
	Password func() (string, error)

	Timeout        time.Duration
	RetryConfig    retry.Config
	RestartCommand string
}

func (cfg *Config) setDefaults() {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.DocumentRoot == "" {
		cfg.DocumentRoot = DefaultDocumentRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.RestartCommand == "" {
		cfg.RestartCommand = DefaultRestartCommand
	}
}

// Device is an open SSH session to the tablet.
type Device struct {
	cfg  Config
	log  *zap.Logger
	ssh  *ssh.Client
	sftp *sftp.Client
	fs   *SFTP

	mu     sync.Mutex
	online bool
}

// Dial connects to the device. Only establishing the connection is retried;
// operations on the returned device never are.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Device, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()

	auth, err := authMethods(cfg, log)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg, log)
	if err != nil {
		return nil, err
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	addr := hostPort(cfg.Address)
	log.Info("connecting to device", zap.String("addr", addr), zap.String("user", cfg.User))

	sshClient, err := retry.DoWithResult(ctx, cfg.RetryConfig, func() (*ssh.Client, error) {
		return dialSSH(ctx, addr, sshCfg)
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp on %s: %w", addr, err)
	}

	log.Info("connected", zap.String("addr", addr))
	return &Device{
		cfg:    cfg,
		log:    log,
		ssh:    sshClient,
		sftp:   sftpClient,
		fs:     NewSFTP(sftpClient, cfg.DocumentRoot),
		online: true,
	}, nil
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, retry.Retryable(err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		// Handshake and authentication failures do not heal by waiting.
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

// Transport returns the document directory of the device.
func (d *Device) Transport() *SFTP {
	return d.fs
}

// Address returns the address the device was dialed at.
func (d *Device) Address() string {
	return d.cfg.Address
}

func (d *Device) setOnline(online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.online != online {
		if online {
			d.log.Info("device is back online")
		} else {
			d.log.Error("device is offline")
		}
	}
	d.online = online
}

// Ping sends an SSH keepalive.
func (d *Device) Ping(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := d.ssh.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		d.setOnline(err == nil)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes a command on the device and returns its combined output.
func (d *Device) Run(ctx context.Context, cmd string) (string, error) {
	session, err := d.ssh.NewSession()
	if err != nil {
		d.setOnline(false)
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		out := strings.TrimSpace(string(r.out))
		if r.err != nil {
			var exit *ssh.ExitError
			if errors.As(r.err, &exit) {
				return out, fmt.Errorf("%q exited with status %d: %s", cmd, exit.ExitStatus(), out)
			}
			return out, fmt.Errorf("run %q: %w", cmd, r.err)
		}
		d.setOnline(true)
		return out, nil
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		return "", ctx.Err()
	}
}

// Restart restarts the device's document UI so it picks up changes made to
// the document tree. A device that does not answer a keepalive is not sent
// the command.
func (d *Device) Restart(ctx context.Context) error {
	if err := d.Ping(ctx); err != nil {
		return fmt.Errorf("restart: device unreachable: %w", err)
	}
	d.log.Info("restarting device UI", zap.String("command", d.cfg.RestartCommand))
	if _, err := d.Run(ctx, d.cfg.RestartCommand); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// Close ends the SFTP and SSH sessions.
func (d *Device) Close() error {
	return errors.Join(d.sftp.Close(), d.ssh.Close())
}
