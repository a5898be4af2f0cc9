package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/funkey/resync/pkg/retry"
)

// sshServer is an in-process device: it answers keepalives, serves sftp
// and records exec requests.
type sshServer struct {
	addr string

	mu    sync.Mutex
	execs []string
	conns []net.Conn
}

func newSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) { return nil, nil },
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &sshServer{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.serve(conn, cfg)
		}
	}()
	return s
}

func (s *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, creqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "subsystem":
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err == nil {
					server.Serve()
				}
				ch.Close()
			}()
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			s.mu.Lock()
			s.execs = append(s.execs, payload.Command)
			s.mu.Unlock()
			req.Reply(true, nil)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			ch.Close()
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *sshServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// drop closes every accepted connection, as if the device went away.
func (s *sshServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func dialTest(t *testing.T, s *sshServer) *Device {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())
	dev, err := Dial(context.Background(), Config{
		Address:               s.addr,
		Password:              func() (string, error) { return "secret", nil },
		InsecureIgnoreHostKey: true,
		RetryConfig:           retry.Config{MaxAttempts: 1},
		RestartCommand:        "restart-ui",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestDevice_Restart(t *testing.T) {
	s := newSSHServer(t)
	dev := dialTest(t, s)

	require.NoError(t, dev.Ping(context.Background()))
	require.NoError(t, dev.Restart(context.Background()))
	assert.Equal(t, []string{"restart-ui"}, s.commands())
}

func TestDevice_RestartSkipsUnreachableDevice(t *testing.T) {
	s := newSSHServer(t)
	dev := dialTest(t, s)

	s.drop()
	err := dev.Restart(context.Background())
	assert.ErrorContains(t, err, "device unreachable")
	assert.Empty(t, s.commands())
}

func TestDevice_TransportOverSFTP(t *testing.T) {
	s := newSSHServer(t)
	dev := dialTest(t, s)

	assert.Equal(t, s.addr, dev.Address())
	assert.NotNil(t, dev.Transport())
}
